package exfat

import (
	"errors"
	"strings"
	"testing"
)

func Test_entrySetChecksum(t *testing.T) {
	// The checksum bytes themselves must not contribute: two sets
	// differing only in the stored checksum hash identically.
	raw := make([]byte, 3*entrySize)
	raw[0] = entryTypeFile
	raw[1] = 2
	raw[entrySize] = entryTypeStreamExtension
	raw[2*entrySize] = entryTypeFileName

	sum := entrySetChecksum(raw)
	raw[2] = 0xAB
	raw[3] = 0xCD
	if got := entrySetChecksum(raw); got != sum {
		t.Errorf("entrySetChecksum() depends on the checksum bytes: %04X != %04X", got, sum)
	}

	raw[4] ^= 1
	if got := entrySetChecksum(raw); got == sum {
		t.Error("entrySetChecksum() did not change for a changed payload byte")
	}
}

func Test_nameHash(t *testing.T) {
	// The hash runs over the upcased UTF-16LE bytes, so two names equal
	// up to case hash identically once upcased.
	upper := stringToUTF16("TEST.TXT")
	if nameHash(upper) == 0 {
		t.Error("nameHash() = 0 for a regular name")
	}
	if nameHash(stringToUTF16("TEST.TXT")) != nameHash(upper) {
		t.Error("nameHash() is not deterministic")
	}
	if nameHash(stringToUTF16("other")) == nameHash(upper) {
		t.Error("nameHash() collides for clearly different names")
	}
}

func Test_encodeDecodeEntrySet(t *testing.T) {
	tests := []struct {
		name     string
		filename string
	}{
		{name: "short name", filename: "a"},
		{name: "fifteen units fills one entry", filename: strings.Repeat("x", 15)},
		{name: "sixteen units needs two entries", filename: strings.Repeat("x", 16)},
		{name: "case is preserved", filename: "MixedCase.TXT"},
		{name: "non-ascii", filename: "Grüße-überall"},
		{name: "full length", filename: strings.Repeat("n", 255)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := stringToUTF16(tt.filename)
			header := EntryHeader{FileAttributes: attrArchive}
			streamExt := StreamExtension{
				GeneralSecondaryFlags: streamFlagAllocationPossible,
				FirstCluster:          7,
				ValidDataLength:       100,
				DataLength:            512,
			}

			raw := encodeEntrySet(header, streamExt, units, nameHash(units))
			set, err := decodeEntrySet(raw)
			if err != nil {
				t.Fatalf("decodeEntrySet() error = %v", err)
			}

			if set.name != tt.filename {
				t.Errorf("decode(encode(%q)) = %q", tt.filename, set.name)
			}
			if int(set.stream.NameLength) != len(units) {
				t.Errorf("NameLength = %d, want %d", set.stream.NameLength, len(units))
			}
			if set.stream.FirstCluster != 7 || set.stream.DataLength != 512 || set.stream.ValidDataLength != 100 {
				t.Errorf("stream extension fields not preserved: %+v", set.stream)
			}

			wantSlots := 2 + (len(units)+nameUnitsPerEntry-1)/nameUnitsPerEntry
			if set.slots() != wantSlots {
				t.Errorf("slots() = %d, want %d", set.slots(), wantSlots)
			}

			// The stored checksum must equal the recomputed one.
			if sum := entrySetChecksum(raw); sum != set.header.SetChecksum {
				t.Errorf("stored checksum %04X != recomputed %04X", set.header.SetChecksum, sum)
			}
		})
	}
}

func Test_decodeEntrySet_rejects(t *testing.T) {
	valid := func() []byte {
		units := stringToUTF16("file.bin")
		return encodeEntrySet(EntryHeader{FileAttributes: attrArchive}, StreamExtension{}, units, nameHash(units))
	}

	tests := []struct {
		name   string
		mutate func(raw []byte) []byte
	}{
		{
			name:   "flipped payload byte breaks the checksum",
			mutate: func(raw []byte) []byte { raw[40] ^= 1; return raw },
		},
		{
			name:   "wrong primary type",
			mutate: func(raw []byte) []byte { raw[0] = entryTypeStreamExtension; return raw },
		},
		{
			name:   "secondary count too small",
			mutate: func(raw []byte) []byte { raw[1] = 1; return raw },
		},
		{
			name:   "secondary count beyond the set",
			mutate: func(raw []byte) []byte { raw[1] = 19; return raw },
		},
		{
			name:   "stream extension type missing",
			mutate: func(raw []byte) []byte { raw[entrySize] = entryTypeFileName; return raw },
		},
		{
			name:   "file name entry type wrong",
			mutate: func(raw []byte) []byte { raw[2*entrySize] = entryTypeStreamExtension; return raw },
		},
		{
			name: "reserved stream field not zero",
			mutate: func(raw []byte) []byte {
				raw[entrySize+2] = 1 // Reserved1
				return raw
			},
		},
		{
			name: "valid data length beyond data length",
			mutate: func(raw []byte) []byte {
				raw[entrySize+8] = 0xFF // ValidDataLength low byte, DataLength stays 0
				return raw
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.mutate(valid())
			// Mutations other than the first also break the checksum; that
			// still has to surface as a corrupt entry set.
			if _, err := decodeEntrySet(raw); !errors.Is(err, ErrCorruptEntrySet) {
				t.Errorf("decodeEntrySet() error = %v, want ErrCorruptEntrySet", err)
			}
		})
	}
}
