package exfat

import (
	"errors"
	"testing"
)

func Test_fatEntry_classifiers(t *testing.T) {
	const clusterCount = 100

	tests := []struct {
		name     string
		e        fatEntry
		isFree   bool
		isBad    bool
		isEOC    bool
		isNext   bool
	}{
		{name: "free entry", e: 0x00000000, isFree: true},
		{name: "first data cluster", e: 2, isNext: true},
		{name: "last data cluster", e: clusterCount + 1, isNext: true},
		{name: "first cluster beyond the heap", e: clusterCount + 2},
		{name: "reserved cluster 1", e: 1},
		{name: "bad cluster mark", e: 0xFFFFFFF7, isBad: true},
		{name: "end of chain mark", e: 0xFFFFFFFF, isEOC: true},
		{name: "media descriptor in entry 0", e: 0xFFFFFFF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.IsFree(); got != tt.isFree {
				t.Errorf("fatEntry.IsFree() = %v, want %v", got, tt.isFree)
			}
			if got := tt.e.IsBad(); got != tt.isBad {
				t.Errorf("fatEntry.IsBad() = %v, want %v", got, tt.isBad)
			}
			if got := tt.e.IsEOC(); got != tt.isEOC {
				t.Errorf("fatEntry.IsEOC() = %v, want %v", got, tt.isEOC)
			}
			if got := tt.e.IsNextCluster(clusterCount); got != tt.isNext {
				t.Errorf("fatEntry.IsNextCluster() = %v, want %v", got, tt.isNext)
			}
			if got := tt.e.Value(); got != uint32(tt.e) {
				t.Errorf("fatEntry.Value() = %v, want %v", got, uint32(tt.e))
			}
		})
	}
}

func TestFs_fatReadWrite(t *testing.T) {
	fs, _ := newTestVolume(t)

	// The formatter chains the root directory as a single cluster.
	entry, err := fs.fatRead(fs.rootCluster)
	if err != nil {
		t.Fatalf("fatRead() error = %v", err)
	}
	if !entry.IsEOC() {
		t.Errorf("fatRead(root) = %08X, want end-of-chain", entry.Value())
	}

	// Write and read back an arbitrary free entry.
	target := fs.rootCluster + 5
	if err := fs.fatWrite(target, fatEntry(target+1)); err != nil {
		t.Fatalf("fatWrite() error = %v", err)
	}
	entry, err = fs.fatRead(target)
	if err != nil {
		t.Fatalf("fatRead() error = %v", err)
	}
	if entry.Value() != uint32(target+1) {
		t.Errorf("fatRead() = %v, want %v", entry.Value(), target+1)
	}

	// Out-of-range clusters are rejected.
	if _, err := fs.fatRead(fs.clusterCount + 2); !errors.Is(err, ErrCorruptChain) {
		t.Errorf("fatRead(out of range) error = %v, want ErrCorruptChain", err)
	}
	if err := fs.fatWrite(1, fatEntryEOC); !errors.Is(err, ErrCorruptChain) {
		t.Errorf("fatWrite(reserved) error = %v, want ErrCorruptChain", err)
	}
}

func TestFs_walkChain(t *testing.T) {
	fs, _ := newTestVolume(t)

	// Build a small fragmented chain by hand: a -> b -> c.
	a, b, c := fs.rootCluster+10, fs.rootCluster+20, fs.rootCluster+12
	for _, link := range []struct {
		cluster uint32
		value   fatEntry
	}{{a, fatEntry(b)}, {b, fatEntry(c)}, {c, fatEntryEOC}} {
		if err := fs.fatWrite(link.cluster, link.value); err != nil {
			t.Fatalf("fatWrite() error = %v", err)
		}
	}

	var got []uint32
	err := fs.walkChain(a, func(cluster uint32) (bool, error) {
		got = append(got, cluster)
		return true, nil
	})
	if err != nil {
		t.Fatalf("walkChain() error = %v", err)
	}
	want := []uint32{a, b, c}
	if len(got) != len(want) {
		t.Fatalf("walkChain() visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walkChain() visited %v, want %v", got, want)
		}
	}

	t.Run("bad cluster mark mid-chain", func(t *testing.T) {
		if err := fs.fatWrite(b, fatEntryBad); err != nil {
			t.Fatalf("fatWrite() error = %v", err)
		}
		err := fs.walkChain(a, func(uint32) (bool, error) { return true, nil })
		if !errors.Is(err, ErrCorruptChain) {
			t.Errorf("walkChain() error = %v, want ErrCorruptChain", err)
		}
	})

	t.Run("cyclic chain detected", func(t *testing.T) {
		if err := fs.fatWrite(a, fatEntry(a)); err != nil {
			t.Fatalf("fatWrite() error = %v", err)
		}
		err := fs.walkChain(a, func(uint32) (bool, error) { return true, nil })
		if !errors.Is(err, ErrCorruptChain) {
			t.Errorf("walkChain() error = %v, want ErrCorruptChain", err)
		}
	})
}
