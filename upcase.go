package exfat

import (
	"encoding/binary"
	"errors"

	"github.com/aligator/goexfat/checkpoint"
)

// ErrReadUpcase may occur while loading the upcase table.
var ErrReadUpcase = errors.New("could not read the upcase table")

// upcaseTable is the volume's case-folding table. Code units beyond the
// loaded prefix map to themselves.
type upcaseTable struct {
	meta  UpcaseEntry
	table []uint16
}

// readUpcaseBytes reads the stored table bytes from the cluster heap, in
// the exact on-disk representation (compressed or not).
func readUpcaseBytes(fs *Fs, meta *UpcaseEntry) ([]byte, error) {
	if meta.DataLength%2 != 0 {
		return nil, checkpoint.Wrap(ErrReadUpcase, errors.New("upcase table length is odd"))
	}

	needed := int((meta.DataLength + uint64(fs.clusterSize) - 1) / uint64(fs.clusterSize))
	clusters := make([]uint32, 0, needed)
	err := fs.walkChain(meta.FirstCluster, func(cluster uint32) (bool, error) {
		clusters = append(clusters, cluster)
		return len(clusters) < needed, nil
	})
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadUpcase)
	}
	if len(clusters) < needed {
		return nil, checkpoint.Wrap(ErrReadUpcase, errors.New("upcase table chain ends early"))
	}

	raw := make([]byte, meta.DataLength)
	remaining := raw
	for _, cluster := range clusters {
		sector := fs.sectorOfCluster(cluster)
		for s := uint32(0); s < fs.sectorsPerCluster && len(remaining) > 0; s++ {
			n := int(fs.sectorSize)
			if n > len(remaining) {
				n = len(remaining)
			}
			if err := fs.readSectorInto(sector+int64(s), 0, remaining[:n]); err != nil {
				return nil, checkpoint.Wrap(err, ErrReadUpcase)
			}
			remaining = remaining[n:]
		}
	}
	return raw, nil
}

func loadUpcaseTable(fs *Fs, meta *UpcaseEntry) (*upcaseTable, error) {
	raw, err := readUpcaseBytes(fs, meta)
	if err != nil {
		return nil, err
	}

	// Expand the table. Runs of identity mappings may be compressed as
	// the sentinel 0xFFFF followed by the run length in code units.
	full := make([]uint16, 0x10000)
	for i := range full {
		full[i] = uint16(i)
	}

	var cursor uint32
	maxMapped := -1
	for i := 0; i+1 < len(raw); i += 2 {
		unit := binary.LittleEndian.Uint16(raw[i:])
		if unit == 0xFFFF {
			i += 2
			if i+1 >= len(raw) {
				break
			}
			cursor += uint32(binary.LittleEndian.Uint16(raw[i:]))
			continue
		}
		if cursor >= uint32(len(full)) {
			return nil, checkpoint.Wrap(ErrReadUpcase, errors.New("upcase table maps beyond U+FFFF"))
		}
		full[cursor] = unit
		if unit != uint16(cursor) {
			maxMapped = int(cursor)
		}
		cursor++
	}

	// The dense 256-entry prefix suffices unless a non-identity mapping
	// extends past code unit 0xFF.
	table := full
	if maxMapped < 0x100 {
		table = full[:0x100]
	}

	return &upcaseTable{meta: *meta, table: table}, nil
}

func (u *upcaseTable) lookup(unit uint16) uint16 {
	if int(unit) < len(u.table) {
		return u.table[unit]
	}
	return unit
}

// upcaseUnits maps every code unit of the name through the table and
// returns a new slice.
func (u *upcaseTable) upcaseUnits(units []uint16) []uint16 {
	upper := make([]uint16, len(units))
	for i, unit := range units {
		upper[i] = u.lookup(unit)
	}
	return upper
}

// equals compares two names case-insensitively, length first.
func (u *upcaseTable) equals(left, right []uint16) bool {
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if u.lookup(left[i]) != u.lookup(right[i]) {
			return false
		}
	}
	return true
}

// validateChecksum recomputes the 32-bit checksum over the table bytes as
// stored on disk and compares it against the checksum recorded in the
// upcase directory entry.
func (u *upcaseTable) validateChecksum(fs *Fs) error {
	raw, err := readUpcaseBytes(fs, &u.meta)
	if err != nil {
		return err
	}
	var sum tableChecksum
	sum.write(raw)
	if sum.sum() != u.meta.TableChecksum {
		return checkpoint.Wrap(ErrChecksumMismatch, errors.New("upcase table checksum does not match"))
	}
	return nil
}
