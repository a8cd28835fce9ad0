package exfat

import (
	"encoding/binary"
	"errors"

	"github.com/aligator/goexfat/checkpoint"
)

// ErrFormat may occur while formatting a device.
var ErrFormat = errors.New("could not format the device")

// FormatOptions parameterize Format. The zero value formats with 512-byte
// sectors, one sector per cluster and no volume label.
type FormatOptions struct {
	// SectorSize in bytes, a power of two in [512, 4096].
	SectorSize uint32
	// SectorsPerCluster, a power of two. Cluster size must stay at or
	// below 32 MiB.
	SectorsPerCluster uint32
	// Label is the volume label, up to 11 UTF-16 code units. Empty means
	// no label entry.
	Label string
	// Serial is the volume serial number.
	Serial uint32
}

// The first sector of the first FAT. Sectors 0..11 are the main boot
// region, 12..23 the backup boot region.
const formatFatOffset = 24

// Format writes a blank exFAT filesystem onto the device: boot regions
// with checksums, FAT, allocation bitmap, upcase table and an empty root
// directory. The resulting volume mounts with New.
func Format(device Device, options FormatOptions) error {
	ss := options.SectorSize
	if ss == 0 {
		ss = 512
	}
	if ss < 512 || ss > 4096 || ss&(ss-1) != 0 {
		return checkpoint.Wrap(ErrFormat, errors.New("invalid sector size"))
	}
	spc := options.SectorsPerCluster
	if spc == 0 {
		spc = 1
	}
	if spc&(spc-1) != 0 || ss*spc > 32*1024*1024 {
		return checkpoint.Wrap(ErrFormat, errors.New("invalid sectors per cluster"))
	}
	labelUnits := stringToUTF16(options.Label)
	if len(labelUnits) > 11 {
		return checkpoint.Wrap(ErrFormat, errors.New("volume label too long"))
	}

	deviceSize, err := device.Size()
	if err != nil {
		return checkpoint.Wrap(checkpoint.Wrap(err, ErrIO), ErrFormat)
	}
	totalSectors := uint64(deviceSize) / uint64(ss)

	// Fixed-point iteration: the FAT length depends on the cluster count
	// and vice versa.
	clusterCount := uint32(0)
	fatLength := uint32(0)
	for i := 0; i < 2; i++ {
		heapOffset := uint64(formatFatOffset) + uint64(fatLength)
		if totalSectors <= heapOffset {
			return checkpoint.Wrap(ErrFormat, errors.New("device too small"))
		}
		clusterCount = uint32((totalSectors - heapOffset) / uint64(spc))
		fatLength = uint32((uint64(clusterCount+2)*4 + uint64(ss) - 1) / uint64(ss))
	}
	heapOffset := uint32(formatFatOffset) + fatLength
	// The final cluster count is derived from the final heap offset, so
	// the heap can never run past the volume end and the FAT stays at
	// least as large as the count requires.
	clusterCount = uint32((totalSectors - uint64(heapOffset)) / uint64(spc))
	clusterSize := ss * spc

	bitmapBytes := (clusterCount + 7) / 8
	bitmapClusters := (bitmapBytes + clusterSize - 1) / clusterSize
	upcaseRaw := defaultUpcaseBytes()
	upcaseClusters := (uint32(len(upcaseRaw)) + clusterSize - 1) / clusterSize
	rootCluster := 2 + bitmapClusters + upcaseClusters
	usedClusters := bitmapClusters + upcaseClusters + 1

	if clusterCount < usedClusters {
		return checkpoint.Wrap(ErrFormat, errors.New("device too small"))
	}

	sectorShift := uint8(0)
	for 1<<(sectorShift+1) <= ss {
		sectorShift++
	}
	clusterShift := uint8(0)
	for 1<<(clusterShift+1) <= spc {
		clusterShift++
	}

	boot := BootSector{
		JumpBoot:                    [3]byte{bootJumpBoot0, bootJumpBoot1, bootJumpBoot2},
		VolumeLength:                totalSectors,
		FatOffset:                   formatFatOffset,
		FatLength:                   fatLength,
		ClusterHeapOffset:           heapOffset,
		ClusterCount:                clusterCount,
		FirstClusterOfRootDirectory: rootCluster,
		VolumeSerialNumber:          options.Serial,
		FileSystemRevision:          0x0100,
		BytesPerSectorShift:         sectorShift,
		SectorsPerClusterShift:      clusterShift,
		NumberOfFats:                1,
		DriveSelect:                 0x80,
		PercentInUse:                uint8(uint64(usedClusters) * 100 / uint64(clusterCount)),
		BootSignature:               bootSignature,
	}
	copy(boot.FileSystemName[:], fileSystemName)

	bootRaw := make([]byte, ss)
	copy(bootRaw, encodeBootSector(&boot))

	writeSector := func(sector int64, data []byte) error {
		if _, err := device.WriteAt(data, sector*int64(ss)); err != nil {
			return checkpoint.Wrap(checkpoint.Wrap(err, ErrIO), ErrFormat)
		}
		return nil
	}

	// Main and backup boot regions, including the checksum sector.
	zeroSector := make([]byte, ss)
	var sum bootChecksum
	sum.write(0, bootRaw)
	for i := 1; i < checksummedBootSectors; i++ {
		sum.write(i, zeroSector)
	}
	checksumSector := make([]byte, ss)
	for i := uint32(0); i < ss/4; i++ {
		binary.LittleEndian.PutUint32(checksumSector[i*4:], sum.sum())
	}
	for _, base := range []int64{0, 12} {
		if err := writeSector(base, bootRaw); err != nil {
			return err
		}
		for i := int64(1); i < checksummedBootSectors; i++ {
			if err := writeSector(base+i, zeroSector); err != nil {
				return err
			}
		}
		if err := writeSector(base+bootChecksumSector, checksumSector); err != nil {
			return err
		}
	}

	// FAT. Entry 0 carries the media descriptor, entry 1 is fixed. The
	// system files get sequential chains.
	fat := make([]byte, uint64(fatLength)*uint64(ss))
	putFat := func(cluster uint32, value fatEntry) {
		binary.LittleEndian.PutUint32(fat[cluster*4:], uint32(value))
	}
	putFat(0, fatEntryMedia)
	putFat(1, fatEntryEOC)
	chain := func(first, count uint32) {
		for i := uint32(0); i < count; i++ {
			if i+1 < count {
				putFat(first+i, fatEntry(first+i+1))
			} else {
				putFat(first+i, fatEntryEOC)
			}
		}
	}
	chain(2, bitmapClusters)
	chain(2+bitmapClusters, upcaseClusters)
	chain(rootCluster, 1)
	for i := int64(0); i < int64(fatLength); i++ {
		if err := writeSector(formatFatOffset+i, fat[i*int64(ss):(i+1)*int64(ss)]); err != nil {
			return err
		}
	}

	sectorOfCluster := func(cluster uint32) int64 {
		return int64(heapOffset) + int64(cluster-2)*int64(spc)
	}
	writeClusters := func(first uint32, data []byte) error {
		count := (uint32(len(data)) + clusterSize - 1) / clusterSize
		padded := make([]byte, uint64(count)*uint64(clusterSize))
		copy(padded, data)
		base := sectorOfCluster(first)
		for i := int64(0); uint64(i) < uint64(count)*uint64(spc); i++ {
			if err := writeSector(base+i, padded[i*int64(ss):(i+1)*int64(ss)]); err != nil {
				return err
			}
		}
		return nil
	}

	// Allocation bitmap: the system files themselves are the only
	// allocated clusters.
	bitmap := make([]byte, bitmapBytes)
	for i := uint32(0); i < usedClusters; i++ {
		bitmap[i/8] |= 1 << (i % 8)
	}
	if err := writeClusters(2, bitmap); err != nil {
		return err
	}

	if err := writeClusters(2+bitmapClusters, upcaseRaw); err != nil {
		return err
	}

	// Root directory: label (optional), bitmap and upcase entries.
	var upcaseSum tableChecksum
	upcaseSum.write(upcaseRaw)

	root := make([]byte, clusterSize)
	next := 0
	if len(labelUnits) > 0 {
		label := LabelEntry{
			EntryType:      entryTypeVolumeLabel,
			CharacterCount: uint8(len(labelUnits)),
		}
		copy(label.VolumeLabel[:], labelUnits)
		copy(root[next*entrySize:], encodeEntry(&label))
		next++
	}
	bitmapEntry := BitmapEntry{
		EntryType:    entryTypeAllocationBitmap,
		FirstCluster: 2,
		DataLength:   uint64(bitmapBytes),
	}
	copy(root[next*entrySize:], encodeEntry(&bitmapEntry))
	next++
	upcaseEntry := UpcaseEntry{
		EntryType:     entryTypeUpcaseTable,
		TableChecksum: upcaseSum.sum(),
		FirstCluster:  2 + bitmapClusters,
		DataLength:    uint64(len(upcaseRaw)),
	}
	copy(root[next*entrySize:], encodeEntry(&upcaseEntry))
	if err := writeClusters(rootCluster, root); err != nil {
		return err
	}

	return checkpoint.Wrap(device.Sync(), ErrFormat)
}

// encodeBootSector packs the boot sector into its 512-byte on-disk form.
func encodeBootSector(boot *BootSector) []byte {
	return encodeStruct(boot, 512)
}

// defaultUpcaseBytes returns the dense 256-entry upcase table prefix in its
// on-disk form: identity except for the ASCII lowercase range.
func defaultUpcaseBytes() []byte {
	raw := make([]byte, 0x100*2)
	for i := 0; i < 0x100; i++ {
		unit := uint16(i)
		if i >= 'a' && i <= 'z' {
			unit = uint16(i - 'a' + 'A')
		}
		binary.LittleEndian.PutUint16(raw[i*2:], unit)
	}
	return raw
}
