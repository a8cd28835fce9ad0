package exfat

import (
	"errors"

	"github.com/aligator/goexfat/checkpoint"
)

// ErrMapOffset may occur when a file offset cannot be mapped to a device
// sector.
var ErrMapOffset = errors.New("could not map the offset to a sector")

// stream is one cluster-backed byte range: a file's data, a directory's
// entry area or one of the system files (bitmap, upcase table).
//
// With the no-FAT-chain flag set the clusters are physically contiguous
// and offsets map by pure arithmetic. Otherwise the FAT chain is walked,
// with the last resolved position cached so sequential access stays O(1)
// per sector.
type stream struct {
	fs           *Fs
	firstCluster uint32
	noFatChain   bool

	// size is the allocated byte length (the stream extension's
	// data-length). The cluster count of the stream is derived from it.
	size uint64

	cachedIndex   uint32
	cachedCluster uint32
	cacheValid    bool
}

func (s *stream) clusterCount() uint32 {
	cs := uint64(s.fs.clusterSize)
	return uint32((s.size + cs - 1) / cs)
}

// clusterAt resolves the cluster holding the given chain index.
func (s *stream) clusterAt(index uint32) (uint32, error) {
	if s.firstCluster == 0 {
		return 0, checkpoint.Wrap(ErrCorruptChain, ErrMapOffset)
	}
	if s.noFatChain {
		return s.firstCluster + index, nil
	}

	cluster := s.firstCluster
	start := uint32(0)
	if s.cacheValid && s.cachedIndex <= index {
		cluster = s.cachedCluster
		start = s.cachedIndex
	}
	for ; start < index; start++ {
		next, err := s.fs.nextCluster(cluster)
		if err != nil {
			return 0, checkpoint.Wrap(err, ErrMapOffset)
		}
		if next == uint32(fatEntryEOC) {
			return 0, checkpoint.Wrap(ErrCorruptChain, ErrMapOffset)
		}
		cluster = next
	}

	s.cachedIndex = index
	s.cachedCluster = cluster
	s.cacheValid = true
	return cluster, nil
}

// locate maps a byte offset to the device sector holding it and the offset
// within that sector.
func (s *stream) locate(offset uint64) (sector int64, within uint32, err error) {
	cs := uint64(s.fs.clusterSize)
	cluster, err := s.clusterAt(uint32(offset / cs))
	if err != nil {
		return 0, 0, err
	}
	if !s.fs.validCluster(cluster) {
		return 0, 0, checkpoint.Wrap(ErrCorruptChain, ErrMapOffset)
	}
	withinCluster := uint32(offset % cs)
	sector = s.fs.sectorOfCluster(cluster) + int64(withinCluster/s.fs.sectorSize)
	return sector, withinCluster % s.fs.sectorSize, nil
}

// readAt fills p from the stream starting at offset. The caller keeps
// offset+len(p) within the stream size.
func (s *stream) readAt(p []byte, offset uint64) error {
	for len(p) > 0 {
		sector, within, err := s.locate(offset)
		if err != nil {
			return err
		}
		n := int(s.fs.sectorSize - within)
		if n > len(p) {
			n = len(p)
		}
		if err := s.fs.readSectorInto(sector, within, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		offset += uint64(n)
	}
	return nil
}

// writeAt writes p into the already allocated stream starting at offset.
func (s *stream) writeAt(p []byte, offset uint64) error {
	for len(p) > 0 {
		sector, within, err := s.locate(offset)
		if err != nil {
			return err
		}
		n := int(s.fs.sectorSize - within)
		if n > len(p) {
			n = len(p)
		}
		if err := s.fs.patchSector(sector, within, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		offset += uint64(n)
	}
	return nil
}

// clusters returns the whole chain in order. For a no-FAT-chain stream the
// list is computed; otherwise the FAT is walked to the end-of-chain mark.
func (s *stream) clusters() ([]uint32, error) {
	if s.firstCluster == 0 {
		return nil, nil
	}
	if s.noFatChain {
		count := s.clusterCount()
		list := make([]uint32, count)
		for i := range list {
			list[i] = s.firstCluster + uint32(i)
		}
		return list, nil
	}

	var list []uint32
	err := s.fs.walkChain(s.firstCluster, func(cluster uint32) (bool, error) {
		list = append(list, cluster)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func isContiguousRun(clusters []uint32) bool {
	for i := 1; i < len(clusters); i++ {
		if clusters[i] != clusters[i-1]+1 {
			return false
		}
	}
	return true
}

// linkChain writes the FAT entries chaining the given clusters together,
// terminating with the end-of-chain mark.
func (s *stream) linkChain(clusters []uint32) error {
	for i := 0; i < len(clusters)-1; i++ {
		if err := s.fs.fatWrite(clusters[i], fatEntry(clusters[i+1])); err != nil {
			return err
		}
	}
	return s.fs.fatWrite(clusters[len(clusters)-1], fatEntryEOC)
}

// materialize writes FAT entries for the currently contiguous run so that
// non-adjacent clusters can be linked behind it afterwards.
func (s *stream) materialize() error {
	count := s.clusterCount()
	for i := uint32(0); i < count; i++ {
		next := fatEntryEOC
		if i+1 < count {
			next = fatEntry(s.firstCluster + i + 1)
		}
		if err := s.fs.fatWrite(s.firstCluster+i, next); err != nil {
			return err
		}
	}
	s.noFatChain = false
	return nil
}

// extend grows the stream to newSize bytes, allocating clusters as needed.
// It returns the newly allocated clusters so callers can zero-fill them.
//
// The mutation order is bitmap, then FAT, then (by the caller) the stream
// extension entry, so an interruption can only leak clusters, never leave
// a dangling reference.
func (s *stream) extend(newSize uint64) ([]uint32, error) {
	if newSize < s.size {
		return nil, nil
	}
	have := s.clusterCount()
	cs := uint64(s.fs.clusterSize)
	need := uint32((newSize + cs - 1) / cs)
	if need <= have {
		s.size = newSize
		return nil, nil
	}
	k := need - have

	if have == 0 {
		clusters, err := s.fs.bitmap.allocate(k)
		if err != nil {
			return nil, err
		}
		s.firstCluster = clusters[0]
		if isContiguousRun(clusters) {
			s.noFatChain = true
		} else {
			s.noFatChain = false
			if err := s.linkChain(clusters); err != nil {
				return nil, err
			}
		}
		s.size = newSize
		s.cacheValid = false
		return clusters, nil
	}

	last, err := s.clusterAt(have - 1)
	if err != nil {
		return nil, err
	}

	// A contiguous stream stays contiguous if the clusters right behind
	// it are still free.
	if s.noFatChain {
		claimed := make([]uint32, 0, k)
		for i := uint32(0); i < k; i++ {
			ok, err := s.fs.bitmap.tryAllocateAt(last + 1 + i)
			if err != nil {
				return nil, err
			}
			if !ok {
				// The run is taken; give the claims back and fall through
				// to the fragmented path.
				if err := s.fs.bitmap.freeAll(claimed); err != nil {
					return nil, err
				}
				claimed = nil
				break
			}
			claimed = append(claimed, last+1+i)
		}
		if uint32(len(claimed)) == k {
			s.size = newSize
			return claimed, nil
		}
	}

	clusters, err := s.fs.bitmap.allocate(k)
	if err != nil {
		return nil, err
	}
	if s.noFatChain {
		if err := s.materialize(); err != nil {
			return nil, err
		}
	}
	if err := s.fs.fatWrite(last, fatEntry(clusters[0])); err != nil {
		return nil, err
	}
	if err := s.linkChain(clusters); err != nil {
		return nil, err
	}
	s.size = newSize
	s.cacheValid = false
	return clusters, nil
}

// truncate shrinks the stream to newSize bytes, freeing every cluster
// beyond the new last one.
func (s *stream) truncate(newSize uint64) error {
	if newSize >= s.size {
		s.size = newSize
		return nil
	}
	have := s.clusterCount()
	cs := uint64(s.fs.clusterSize)
	need := uint32((newSize + cs - 1) / cs)
	if need == have {
		s.size = newSize
		return nil
	}

	all, err := s.clusters()
	if err != nil {
		return err
	}
	tail := all[need:]

	if err := s.fs.bitmap.freeAll(tail); err != nil {
		return err
	}

	if !s.noFatChain {
		if need > 0 {
			if err := s.fs.fatWrite(all[need-1], fatEntryEOC); err != nil {
				return err
			}
		}
		// Freed entries are cleared so a later chain starting there reads
		// clean.
		for _, cluster := range tail {
			if err := s.fs.fatWrite(cluster, fatEntryFree); err != nil {
				return err
			}
		}
	}

	if need == 0 {
		s.firstCluster = 0
		s.noFatChain = false
	}
	s.size = newSize
	s.cacheValid = false
	return nil
}

// zeroClusters overwrites whole clusters with zeros, for fresh directory
// data.
func (fs *Fs) zeroClusters(clusters []uint32) error {
	zero := make([]byte, fs.sectorSize)
	for _, cluster := range clusters {
		sector := fs.sectorOfCluster(cluster)
		for i := uint32(0); i < fs.sectorsPerCluster; i++ {
			if err := fs.patchSector(sector+int64(i), 0, zero); err != nil {
				return err
			}
		}
	}
	return nil
}
