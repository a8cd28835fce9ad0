package exfat

import (
	"encoding/binary"
	"errors"

	"github.com/aligator/goexfat/checkpoint"
)

// ErrReadFat may occur when a FAT entry cannot be read or written.
var ErrReadFat = errors.New("could not access the FAT")

// fatEntry is one 32-bit entry of the file allocation table.
type fatEntry uint32

const (
	fatEntryFree fatEntry = 0x00000000
	fatEntryBad  fatEntry = 0xFFFFFFF7
	fatEntryEOC  fatEntry = 0xFFFFFFFF

	// fatEntryMedia is the fixed value of FAT[0].
	fatEntryMedia fatEntry = 0xFFFFFFF8
)

// Value returns the whole 32 bits of the entry.
func (e fatEntry) Value() uint32 {
	return uint32(e)
}

func (e fatEntry) IsFree() bool {
	return e == fatEntryFree
}

func (e fatEntry) IsBad() bool {
	return e == fatEntryBad
}

func (e fatEntry) IsEOC() bool {
	return e == fatEntryEOC
}

// IsNextCluster reports whether the entry points to another data cluster
// of the given cluster heap.
func (e fatEntry) IsNextCluster(clusterCount uint32) bool {
	return uint32(e) >= 2 && uint32(e) < clusterCount+2
}

// fatPosition returns the sector and the offset within it holding the FAT
// entry of the given cluster.
func (fs *Fs) fatPosition(cluster uint32) (sector int64, offset uint32) {
	byteOffset := int64(cluster) * 4
	sector = fs.fatStart + byteOffset/int64(fs.sectorSize)
	offset = uint32(byteOffset % int64(fs.sectorSize))
	return sector, offset
}

// fatRead returns the FAT entry of the given cluster.
func (fs *Fs) fatRead(cluster uint32) (fatEntry, error) {
	if !fs.validCluster(cluster) {
		return 0, checkpoint.Wrap(ErrCorruptChain, ErrReadFat)
	}
	sector, offset := fs.fatPosition(cluster)
	var raw [4]byte
	if err := fs.readSectorInto(sector, offset, raw[:]); err != nil {
		return 0, checkpoint.Wrap(err, ErrReadFat)
	}
	return fatEntry(binary.LittleEndian.Uint32(raw[:])), nil
}

// fatWrite sets the FAT entry of the given cluster, mirroring the write to
// the second FAT if the volume carries one.
func (fs *Fs) fatWrite(cluster uint32, value fatEntry) error {
	if !fs.validCluster(cluster) {
		return checkpoint.Wrap(ErrCorruptChain, ErrReadFat)
	}
	sector, offset := fs.fatPosition(cluster)
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(value))
	if err := fs.patchSector(sector, offset, raw[:]); err != nil {
		return checkpoint.Wrap(err, ErrReadFat)
	}
	if fs.boot.NumberOfFats == 2 {
		// Redundancy write to the second FAT; its entries are not read back.
		if err := fs.patchSector(sector+int64(fs.fatLength), offset, raw[:]); err != nil {
			return checkpoint.Wrap(err, ErrReadFat)
		}
	}
	return nil
}

// nextCluster follows the FAT chain one step. It returns fatEntryEOC at the
// end of the chain and ErrCorruptChain when the entry is free, marks a bad
// cluster or points outside the cluster heap.
func (fs *Fs) nextCluster(cluster uint32) (uint32, error) {
	entry, err := fs.fatRead(cluster)
	if err != nil {
		return 0, err
	}
	switch {
	case entry.IsEOC():
		return uint32(fatEntryEOC), nil
	case entry.IsNextCluster(fs.clusterCount):
		return entry.Value(), nil
	default:
		// Free entries, bad-cluster marks and reserved values must not
		// appear inside a live chain.
		return 0, checkpoint.From(ErrCorruptChain)
	}
}

// walkChain calls visit for every cluster of the chain starting at start,
// in chain order. The walk is bounded by the cluster count so a cyclic
// chain cannot loop forever.
func (fs *Fs) walkChain(start uint32, visit func(cluster uint32) (bool, error)) error {
	cluster := start
	for steps := uint32(0); ; steps++ {
		if steps > fs.clusterCount {
			return checkpoint.Wrap(ErrCorruptChain, errors.New("cluster chain is cyclic"))
		}
		if !fs.validCluster(cluster) {
			return checkpoint.From(ErrCorruptChain)
		}
		cont, err := visit(cluster)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		next, err := fs.nextCluster(cluster)
		if err != nil {
			return err
		}
		if next == uint32(fatEntryEOC) {
			return nil
		}
		cluster = next
	}
}
