package exfat

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestFs_Upcase(t *testing.T) {
	fs, _ := newTestVolume(t)

	tests := []struct {
		name string
		in   uint16
		want uint16
	}{
		{name: "lowercase ascii", in: 'a', want: 'A'},
		{name: "last lowercase ascii", in: 'z', want: 'Z'},
		{name: "uppercase stays", in: 'Q', want: 'Q'},
		{name: "digit stays", in: '7', want: '7'},
		{name: "dot stays", in: '.', want: '.'},
		{name: "beyond the dense prefix maps to itself", in: 0x4E2D, want: 0x4E2D},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fs.Upcase(tt.in); got != tt.want {
				t.Errorf("Upcase(%#x) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestFs_ValidateUpcaseTableChecksum(t *testing.T) {
	t.Run("fresh volume validates", func(t *testing.T) {
		fs, _ := newTestVolume(t)
		if err := fs.ValidateUpcaseTableChecksum(); err != nil {
			t.Errorf("ValidateUpcaseTableChecksum() error = %v, want nil", err)
		}

		// The Directory-level accessor reports the same result.
		root, err := fs.Root()
		if err != nil {
			t.Fatalf("Root() error = %v", err)
		}
		if err := root.ValidateUpcaseTableChecksum(); err != nil {
			t.Errorf("Directory.ValidateUpcaseTableChecksum() error = %v, want nil", err)
		}
	})

	t.Run("corrupted table byte fails", func(t *testing.T) {
		fs, device := newTestVolume(t)

		boot := parseBootSector(t, device)
		sectorSize := int64(1) << boot.BytesPerSectorShift
		upcaseStart := (int64(boot.ClusterHeapOffset) +
			int64(fs.upcaseMeta.FirstCluster-2)<<boot.SectorsPerClusterShift) * sectorSize
		device.Bytes()[upcaseStart] ^= 0xFF

		if err := fs.ValidateUpcaseTableChecksum(); !errors.Is(err, ErrChecksumMismatch) {
			t.Errorf("ValidateUpcaseTableChecksum() error = %v, want ErrChecksumMismatch", err)
		}
	})
}

// rewriteUpcaseTable replaces the on-disk upcase table with the given raw
// bytes and fixes up its directory entry, then remounts the volume.
func rewriteUpcaseTable(t *testing.T, device *RAMDevice, raw []byte) *Fs {
	t.Helper()

	boot := parseBootSector(t, device)
	sectorSize := int64(1) << boot.BytesPerSectorShift
	heap := func(cluster uint32) int64 {
		return (int64(boot.ClusterHeapOffset) + int64(cluster-2)<<boot.SectorsPerClusterShift) * sectorSize
	}

	// Find the upcase entry in the root directory.
	rootStart := heap(boot.FirstClusterOfRootDirectory)
	var entryOffset int64 = -1
	var upcase UpcaseEntry
	for slot := int64(0); slot < sectorSize/entrySize; slot++ {
		offset := rootStart + slot*entrySize
		if device.Bytes()[offset] == entryTypeUpcaseTable {
			if err := decodeEntry(device.Bytes()[offset:offset+entrySize], &upcase); err != nil {
				t.Fatalf("could not decode the upcase entry: %v", err)
			}
			entryOffset = offset
			break
		}
	}
	if entryOffset < 0 {
		t.Fatal("no upcase entry in the root directory")
	}

	if int64(len(raw)) > sectorSize<<boot.SectorsPerClusterShift {
		t.Fatal("replacement table does not fit into the table cluster")
	}
	copy(device.Bytes()[heap(upcase.FirstCluster):], raw)

	var sum tableChecksum
	sum.write(raw)
	upcase.TableChecksum = sum.sum()
	upcase.DataLength = uint64(len(raw))
	copy(device.Bytes()[entryOffset:], encodeEntry(&upcase))

	fs, err := New(device, WithClock(testClock))
	if err != nil {
		t.Fatalf("New() after table rewrite error = %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func TestFs_compressedUpcaseTable(t *testing.T) {
	_, device := newTestVolume(t)

	// Compressed form: identity run up to 'a', explicit mappings for
	// 'a'..'z', identity for everything behind.
	var raw []byte
	appendUnit := func(unit uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], unit)
		raw = append(raw, b[:]...)
	}
	appendUnit(0xFFFF)
	appendUnit('a')
	for unit := uint16('a'); unit <= 'z'; unit++ {
		appendUnit(unit - 'a' + 'A')
	}
	appendUnit(0xFFFF)
	appendUnit(uint16(0x10000 - ('z' + 1)))

	fs := rewriteUpcaseTable(t, device, raw)

	if got := fs.Upcase('a'); got != 'A' {
		t.Errorf("Upcase('a') = %#x, want 'A'", got)
	}
	if got := fs.Upcase('{'); got != '{' {
		t.Errorf("Upcase('{') = %#x, identity expected behind the mapped range", got)
	}
	if err := fs.ValidateUpcaseTableChecksum(); err != nil {
		t.Errorf("ValidateUpcaseTableChecksum() error = %v, want nil", err)
	}

	// Case-insensitive lookup still works through the compressed table.
	root, err := fs.Root()
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}
	if _, err := root.Create("CamelCase.txt"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := root.Lookup("camelcase.TXT"); err != nil {
		t.Errorf("Lookup() through the compressed table error = %v", err)
	}
}

func TestFs_upcaseTableBeyondDensePrefix(t *testing.T) {
	_, device := newTestVolume(t)

	// A single non-identity mapping past U+00FF forces the full
	// expansion: U+0101 (small a with macron) upcases to U+0100.
	var raw []byte
	appendUnit := func(unit uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], unit)
		raw = append(raw, b[:]...)
	}
	appendUnit(0xFFFF)
	appendUnit(0x101)
	appendUnit(0x100)
	appendUnit(0xFFFF)
	appendUnit(uint16(0x10000 - 0x102))

	fs := rewriteUpcaseTable(t, device, raw)

	if got := fs.Upcase(0x101); got != 0x100 {
		t.Errorf("Upcase(U+0101) = %#x, want U+0100", got)
	}
	if got := fs.Upcase(0x102); got != 0x102 {
		t.Errorf("Upcase(U+0102) = %#x, want identity", got)
	}
	if got := fs.Upcase('a'); got != 'a' {
		t.Errorf("Upcase('a') = %#x, this table maps ascii to itself", got)
	}
}
