package exfat

import (
	"errors"
	"math/bits"

	"github.com/aligator/goexfat/checkpoint"
)

// ErrReadBitmap may occur while loading or updating the allocation bitmap.
var ErrReadBitmap = errors.New("could not access the allocation bitmap")

// allocBitmap mirrors the on-disk allocation bitmap in memory. Bit 0
// corresponds to cluster 2. Every bit operation writes through to the
// device, so the mirror and the on-disk state are equal after every
// successful operation; a failed write leaves both unchanged.
type allocBitmap struct {
	fs   *Fs
	meta BitmapEntry

	// clusters holds the chain of the bitmap file itself, resolved once
	// at load time.
	clusters []uint32

	bits []byte

	// used is exact in precise mode. Otherwise it is seeded from the
	// percent-in-use hint as an upper bound and only grows with the
	// allocations performed since mount; frees do not lower it, so it can
	// over-report but never under-report.
	used    uint32
	precise bool

	// scanStart is the bit index the next first-fit scan starts from.
	// Every bit below it is known to be set.
	scanStart uint32
}

func loadBitmap(fs *Fs, meta *BitmapEntry, precise bool) (*allocBitmap, error) {
	b := &allocBitmap{
		fs:      fs,
		meta:    *meta,
		precise: precise,
	}

	// The bitmap must cover every cluster of the heap.
	if meta.DataLength < (uint64(fs.clusterCount)+7)/8 {
		return nil, checkpoint.Wrap(ErrReadBitmap, errors.New("allocation bitmap is too short"))
	}

	needed := int((meta.DataLength + uint64(fs.clusterSize) - 1) / uint64(fs.clusterSize))
	b.clusters = make([]uint32, 0, needed)
	err := fs.walkChain(meta.FirstCluster, func(cluster uint32) (bool, error) {
		b.clusters = append(b.clusters, cluster)
		return len(b.clusters) < needed, nil
	})
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadBitmap)
	}
	if len(b.clusters) < needed {
		return nil, checkpoint.Wrap(ErrReadBitmap, errors.New("allocation bitmap chain ends early"))
	}

	b.bits = make([]byte, meta.DataLength)
	remaining := b.bits
	for _, cluster := range b.clusters {
		sector := fs.sectorOfCluster(cluster)
		for s := uint32(0); s < fs.sectorsPerCluster && len(remaining) > 0; s++ {
			n := int(fs.sectorSize)
			if n > len(remaining) {
				n = len(remaining)
			}
			if err := fs.readSectorInto(sector+int64(s), 0, remaining[:n]); err != nil {
				return nil, checkpoint.Wrap(err, ErrReadBitmap)
			}
			remaining = remaining[n:]
		}
	}

	if precise {
		for _, byteValue := range b.bits {
			b.used += uint32(bits.OnesCount8(byteValue))
		}
	} else {
		// Monotone upper bound derived from the percent-in-use hint.
		approx := (uint64(fs.boot.PercentInUse) + 1) * uint64(fs.clusterCount) / 100
		if approx > uint64(fs.clusterCount) {
			approx = uint64(fs.clusterCount)
		}
		b.used = uint32(approx)
	}

	return b, nil
}

func (b *allocBitmap) isSet(cluster uint32) bool {
	index := cluster - 2
	return b.bits[index/8]&(1<<(index%8)) != 0
}

// diskPosition returns the device sector and in-sector offset of the
// bitmap byte at the given byte offset.
func (b *allocBitmap) diskPosition(byteOffset uint32) (sector int64, offset uint32) {
	clusterIndex := byteOffset / b.fs.clusterSize
	within := byteOffset % b.fs.clusterSize
	sector = b.fs.sectorOfCluster(b.clusters[clusterIndex]) + int64(within/b.fs.sectorSize)
	return sector, within % b.fs.sectorSize
}

// writeBit flips one bit on disk first and mirrors it in memory only after
// the write succeeded.
func (b *allocBitmap) writeBit(cluster uint32, set bool) error {
	index := cluster - 2
	byteOffset := index / 8
	mask := byte(1) << (index % 8)

	value := b.bits[byteOffset]
	if set {
		value |= mask
	} else {
		value &^= mask
	}
	if value == b.bits[byteOffset] {
		return nil
	}

	sector, offset := b.diskPosition(byteOffset)
	if err := b.fs.patchSector(sector, offset, []byte{value}); err != nil {
		return checkpoint.Wrap(err, ErrReadBitmap)
	}

	b.bits[byteOffset] = value
	if set {
		b.used++
	} else {
		if b.precise && b.used > 0 {
			b.used--
		}
		if index < b.scanStart {
			b.scanStart = index
		}
	}
	return nil
}

func (b *allocBitmap) set(cluster uint32) error {
	return b.writeBit(cluster, true)
}

func (b *allocBitmap) clear(cluster uint32) error {
	if err := b.writeBit(cluster, false); err != nil {
		return err
	}
	return b.ensurePercentInUse()
}

// tryAllocateAt claims the specific cluster if it is still free. The chain
// engine uses it to keep contiguous files contiguous.
func (b *allocBitmap) tryAllocateAt(cluster uint32) (bool, error) {
	if !b.fs.validCluster(cluster) || b.isSet(cluster) {
		return false, nil
	}
	if err := b.set(cluster); err != nil {
		return false, err
	}
	return true, b.ensurePercentInUse()
}

// allocate claims n clusters first-fit and returns them in ascending
// order. The run is not necessarily contiguous; the caller decides whether
// contiguity is required. No bit is touched unless all n clusters exist.
func (b *allocBitmap) allocate(n uint32) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}

	found := make([]uint32, 0, n)
	for index := b.scanStart; index < b.fs.clusterCount; index++ {
		if b.bits[index/8]&(1<<(index%8)) == 0 {
			found = append(found, index+2)
			if uint32(len(found)) == n {
				break
			}
		}
	}
	if uint32(len(found)) < n {
		return nil, checkpoint.From(ErrNoSpace)
	}

	for i, cluster := range found {
		if err := b.set(cluster); err != nil {
			// Roll back so a failed allocation leaves the bitmap unchanged.
			for _, claimed := range found[:i] {
				_ = b.writeBit(claimed, false)
			}
			return nil, err
		}
	}
	b.scanStart = found[0] - 2 + 1
	return found, b.ensurePercentInUse()
}

// freeAll clears the bits of all given clusters.
func (b *allocBitmap) freeAll(clusters []uint32) error {
	for _, cluster := range clusters {
		if err := b.writeBit(cluster, false); err != nil {
			return err
		}
	}
	return b.ensurePercentInUse()
}

func (b *allocBitmap) usedCount() uint32 {
	return b.used
}

// ensurePercentInUse rewrites the percent-in-use hint in the boot sector
// when its value changed. The byte is excluded from the boot region
// checksum, so the write is safe without a checksum update.
func (b *allocBitmap) ensurePercentInUse() error {
	percent := uint8(uint64(b.used) * 100 / uint64(b.fs.clusterCount))
	if percent > 100 {
		percent = 100
	}
	if percent == b.fs.boot.PercentInUse {
		return nil
	}
	if err := b.fs.patchSector(0, offsetPercentInUse, []byte{percent}); err != nil {
		return checkpoint.Wrap(err, ErrReadBitmap)
	}
	b.fs.boot.PercentInUse = percent
	return nil
}
