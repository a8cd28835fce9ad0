package exfat

import (
	"bytes"
	"testing"
)

func TestStream_contiguousMapping(t *testing.T) {
	fs, _ := newTestVolume(t)

	s := &stream{fs: fs}
	grown, err := s.extend(uint64(fs.clusterSize) * 3)
	if err != nil {
		t.Fatalf("extend() error = %v", err)
	}
	if len(grown) != 3 {
		t.Fatalf("extend() allocated %d clusters, want 3", len(grown))
	}
	if !s.noFatChain {
		t.Error("a fresh allocation on an empty volume should be contiguous")
	}

	// With the no-FAT-chain flag, offsets map by pure arithmetic.
	for i := uint32(0); i < 3; i++ {
		cluster, err := s.clusterAt(i)
		if err != nil {
			t.Fatalf("clusterAt(%d) error = %v", i, err)
		}
		if cluster != s.firstCluster+i {
			t.Errorf("clusterAt(%d) = %d, want %d", i, cluster, s.firstCluster+i)
		}
	}

	sector, within, err := s.locate(uint64(fs.clusterSize) + 1)
	if err != nil {
		t.Fatalf("locate() error = %v", err)
	}
	wantSector := fs.sectorOfCluster(s.firstCluster + 1)
	if sector != wantSector || within != 1 {
		t.Errorf("locate() = (%d, %d), want (%d, 1)", sector, within, wantSector)
	}
}

func TestStream_extendBreaksContiguity(t *testing.T) {
	fs, _ := newTestVolume(t)

	// First stream takes a contiguous run.
	first := &stream{fs: fs}
	if _, err := first.extend(uint64(fs.clusterSize) * 2); err != nil {
		t.Fatalf("extend() error = %v", err)
	}

	// A blocker claims the cluster right behind it.
	blocker := &stream{fs: fs}
	if _, err := blocker.extend(uint64(fs.clusterSize)); err != nil {
		t.Fatalf("extend() error = %v", err)
	}
	if blocker.firstCluster != first.firstCluster+2 {
		t.Skipf("allocator did not place the blocker adjacently (%d, %d)", first.firstCluster, blocker.firstCluster)
	}

	// Growing the first stream now has to materialize FAT entries for the
	// old run and clear the no-FAT-chain flag.
	if _, err := first.extend(uint64(fs.clusterSize) * 3); err != nil {
		t.Fatalf("extend() error = %v", err)
	}
	if first.noFatChain {
		t.Error("no-FAT-chain flag still set after a fragmented extension")
	}

	clusters, err := first.clusters()
	if err != nil {
		t.Fatalf("clusters() error = %v", err)
	}
	if len(clusters) != 3 {
		t.Fatalf("clusters() = %v, want 3 clusters", clusters)
	}
	if clusters[0] != first.firstCluster || clusters[1] != first.firstCluster+1 {
		t.Errorf("materialized chain does not start with the old run: %v", clusters)
	}
	if clusters[2] == first.firstCluster+2 {
		t.Errorf("third cluster %d should not be the blocker's cluster", clusters[2])
	}

	// The FAT now carries the whole chain.
	entry, err := fs.fatRead(clusters[1])
	if err != nil {
		t.Fatalf("fatRead() error = %v", err)
	}
	if entry.Value() != clusters[2] {
		t.Errorf("FAT[%d] = %d, want %d", clusters[1], entry.Value(), clusters[2])
	}
	entry, err = fs.fatRead(clusters[2])
	if err != nil {
		t.Fatalf("fatRead() error = %v", err)
	}
	if !entry.IsEOC() {
		t.Errorf("FAT[%d] = %08X, want end-of-chain", clusters[2], entry.Value())
	}
}

func TestStream_contiguousExtensionStaysContiguous(t *testing.T) {
	fs, _ := newTestVolume(t)

	s := &stream{fs: fs}
	if _, err := s.extend(uint64(fs.clusterSize)); err != nil {
		t.Fatalf("extend() error = %v", err)
	}
	if _, err := s.extend(uint64(fs.clusterSize) * 4); err != nil {
		t.Fatalf("extend() error = %v", err)
	}
	if !s.noFatChain {
		t.Error("extension into free adjacent clusters must keep the no-FAT-chain flag")
	}
	if s.clusterCount() != 4 {
		t.Errorf("clusterCount() = %d, want 4", s.clusterCount())
	}
}

func TestStream_truncate(t *testing.T) {
	fs, _ := newTestVolume(t)

	s := &stream{fs: fs}
	if _, err := s.extend(uint64(fs.clusterSize) * 3); err != nil {
		t.Fatalf("extend() error = %v", err)
	}
	allocated, err := s.clusters()
	if err != nil {
		t.Fatalf("clusters() error = %v", err)
	}
	used := fs.bitmap.usedCount()

	if err := s.truncate(0); err != nil {
		t.Fatalf("truncate() error = %v", err)
	}
	if s.firstCluster != 0 || s.size != 0 {
		t.Errorf("truncate(0) left firstCluster=%d size=%d", s.firstCluster, s.size)
	}
	if got := fs.bitmap.usedCount(); got != used-3 {
		t.Errorf("usedCount() = %d, want %d", got, used-3)
	}
	for _, cluster := range allocated {
		if fs.bitmap.isSet(cluster) {
			t.Errorf("cluster %d still allocated after truncate(0)", cluster)
		}
	}

	// The freed clusters are available again.
	again, err := fs.bitmap.allocate(1)
	if err != nil {
		t.Fatalf("allocate() error = %v", err)
	}
	if again[0] != allocated[0] {
		t.Errorf("allocate() = %d, want freed cluster %d", again[0], allocated[0])
	}
}

func TestStream_readWriteRoundTrip(t *testing.T) {
	fs, _ := newTestVolume(t)

	s := &stream{fs: fs}
	payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0xFF}, int(fs.clusterSize))
	if _, err := s.extend(uint64(len(payload))); err != nil {
		t.Fatalf("extend() error = %v", err)
	}
	if err := s.writeAt(payload, 0); err != nil {
		t.Fatalf("writeAt() error = %v", err)
	}

	got := make([]byte, len(payload))
	if err := s.readAt(got, 0); err != nil {
		t.Fatalf("readAt() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("readAt() does not return the written payload")
	}

	// Unaligned window in the middle.
	got = make([]byte, 100)
	if err := s.readAt(got, 700); err != nil {
		t.Fatalf("readAt() error = %v", err)
	}
	if !bytes.Equal(got, payload[700:800]) {
		t.Error("readAt() window does not match the payload")
	}
}
