package exfat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aligator/goexfat/checkpoint"
	"github.com/spf13/afero"
)

// These errors may occur while mounting or operating a volume.
var (
	ErrMountVolume  = errors.New("could not mount the volume")
	ErrCloseVolume  = errors.New("could not close the volume")
	ErrResolvePath  = errors.New("could not resolve the path")
	ErrStatEntry    = errors.New("could not stat the entry")
	ErrChangeVolume = errors.New("could not update the directory entry")
)

var (
	_ afero.Fs   = (*Fs)(nil)
	_ afero.File = (*File)(nil)
)

// Option configures a volume at mount time.
type Option func(*Fs)

// WithPreciseUsage walks the whole allocation bitmap at mount so that
// UsedClusters reports the exact count instead of an upper bound derived
// from the percent-in-use hint.
func WithPreciseUsage() Option {
	return func(fs *Fs) { fs.precise = true }
}

// WithClock replaces the system clock used for directory entry timestamps.
func WithClock(clock Clock) Option {
	return func(fs *Fs) { fs.clock = clock }
}

// WithNameLengthCap lowers the longest accepted file name to n UTF-16 code
// units. Names exceeding the cap are skipped during reads and rejected with
// ErrNameTooLong on create. Values outside [1, 255] are ignored.
func WithNameLengthCap(n int) Option {
	return func(fs *Fs) {
		if n >= 1 && n <= maxNameLength {
			fs.nameCap = n
		}
	}
}

// WithReadOnly mounts the volume read-only even on a writable device.
// Every mutating operation fails with ErrReadOnly.
func WithReadOnly() Option {
	return func(fs *Fs) { fs.readOnly = true }
}

// Sector is the single cached device sector the volume reads and writes
// through. Callers never see raw device state.
type Sector struct {
	current int64
	valid   bool
	dirty   bool
	buffer  []byte
}

// Fs is a mounted exFAT volume. It implements afero.Fs.
//
// All operations that touch the device or the allocation bitmap serialize
// on one mutex owned by the volume; there is no finer-grained locking.
// Because the gate is held for the whole logical operation, callers must
// not re-enter the filesystem from within a Device implementation.
type Fs struct {
	mu     sync.Mutex
	device Device

	readOnly   bool
	precise    bool
	skipChecks bool
	clock      Clock
	nameCap    int

	boot BootSector

	sectorSize        uint32
	sectorsPerCluster uint32
	clusterSize       uint32
	fatStart          int64 // first FAT sector
	fatLength         uint32
	heapStart         int64 // first cluster heap sector
	clusterCount      uint32
	rootCluster       uint32

	sector Sector

	bitmap      *allocBitmap
	upcase      *upcaseTable
	upcaseMeta  UpcaseEntry
	label       string
	labelOffset int64 // offset of the label entry in the root stream, -1 if absent

	closed bool
}

// New mounts the exFAT volume on the given device and returns it as an
// afero compatible filesystem. The boot sector is fully validated; use
// NewSkipChecks to mount not perfectly standard volumes.
//
// A writable mount sets the volume-dirty flag; Close clears it again.
func New(device Device, options ...Option) (*Fs, error) {
	return mount(device, false, options...)
}

// NewSkipChecks mounts like New but skips the boot sector validations that
// are not needed to locate the on-disk structures. Use with caution!
func NewSkipChecks(device Device, options ...Option) (*Fs, error) {
	return mount(device, true, options...)
}

func mount(device Device, skipChecks bool, options ...Option) (*Fs, error) {
	fs := &Fs{
		device:      device,
		skipChecks:  skipChecks,
		clock:       systemClock{},
		nameCap:     maxNameLength,
		labelOffset: -1,
	}
	for _, option := range options {
		option(fs)
	}

	if err := fs.initialize(); err != nil {
		return nil, checkpoint.Wrap(err, ErrMountVolume)
	}

	return fs, nil
}

func (fs *Fs) initialize() error {
	// The boot sector is always fully contained in the first 512 bytes,
	// whatever the real sector size turns out to be.
	raw := make([]byte, 512)
	if _, err := fs.device.ReadAt(raw, 0); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &fs.boot); err != nil {
		return checkpoint.From(err)
	}

	if err := fs.validateBootSector(); err != nil {
		return err
	}

	fs.sectorSize = 1 << fs.boot.BytesPerSectorShift
	fs.sectorsPerCluster = 1 << fs.boot.SectorsPerClusterShift
	fs.clusterSize = fs.sectorSize * fs.sectorsPerCluster
	fs.fatStart = int64(fs.boot.FatOffset)
	fs.fatLength = fs.boot.FatLength
	fs.heapStart = int64(fs.boot.ClusterHeapOffset)
	fs.clusterCount = fs.boot.ClusterCount
	fs.rootCluster = fs.boot.FirstClusterOfRootDirectory

	fs.sector.buffer = make([]byte, fs.sectorSize)

	if err := fs.scanRootMetadata(); err != nil {
		return err
	}

	if !fs.readOnly {
		if err := fs.setDirty(true); err != nil {
			return err
		}
	}

	return nil
}

func (fs *Fs) validateBootSector() error {
	b := &fs.boot

	// These checks locate the structures; they run even with skipChecks.
	if b.JumpBoot[0] != bootJumpBoot0 || b.JumpBoot[1] != bootJumpBoot1 || b.JumpBoot[2] != bootJumpBoot2 {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("no valid jump instructions at the beginning"))
	}
	if string(b.FileSystemName[:]) != fileSystemName {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("filesystem name is not EXFAT"))
	}
	if b.BytesPerSectorShift < 9 || b.BytesPerSectorShift > 12 {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("invalid bytes per sector shift"))
	}
	// The whole cluster must stay at or below 32 MiB.
	if uint32(b.BytesPerSectorShift)+uint32(b.SectorsPerClusterShift) > 25 {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("cluster size exceeds 32 MiB"))
	}
	if b.NumberOfFats != 1 && b.NumberOfFats != 2 {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("invalid FAT count"))
	}
	if b.NumberOfFats == 2 && b.VolumeFlags&volumeFlagActiveFat != 0 {
		// The second FAT being active means TexFAT.
		return checkpoint.Wrap(ErrUnsupported, errors.New("TexFAT volumes are not supported"))
	}

	if fs.skipChecks {
		return nil
	}

	if b.BootSignature != bootSignature {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("missing 0xAA55 boot signature"))
	}
	for _, z := range b.MustBeZero {
		if z != 0 {
			return checkpoint.Wrap(ErrBadBootSector, errors.New("must-be-zero region is not zero"))
		}
	}
	if b.ClusterCount == 0 {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("cluster count is zero"))
	}

	sectorSize := uint64(1) << b.BytesPerSectorShift
	heapEnd := uint64(b.ClusterHeapOffset) + uint64(b.ClusterCount)<<b.SectorsPerClusterShift
	if heapEnd > b.VolumeLength {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("cluster heap exceeds the volume length"))
	}
	fatEnd := uint64(b.FatOffset) + uint64(b.FatLength)*uint64(b.NumberOfFats)
	if fatEnd > uint64(b.ClusterHeapOffset) {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("FAT region overlaps the cluster heap"))
	}
	// Every FAT entry of the cluster heap must fit into the FAT region.
	if uint64(b.FatLength)*sectorSize < (uint64(b.ClusterCount)+2)*4 {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("FAT region too small for the cluster count"))
	}

	deviceSize, err := fs.device.Size()
	if err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	if b.VolumeLength*sectorSize > uint64(deviceSize) {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("volume length exceeds the device size"))
	}

	return nil
}

// scanRootMetadata walks the root directory once to find the critical
// primary entries: allocation bitmap, upcase table and volume label.
// The bitmap and the upcase table are loaded right away.
func (fs *Fs) scanRootMetadata() error {
	root, err := fs.rootStream()
	if err != nil {
		return err
	}

	var bitmapMeta *BitmapEntry
	slot := make([]byte, entrySize)
	for offset := int64(0); uint64(offset) < root.size; offset += entrySize {
		if err := root.readAt(slot, uint64(offset)); err != nil {
			return err
		}
		switch slot[0] {
		case entryTypeEndOfDirectory:
			offset = int64(root.size) // stop
		case entryTypeAllocationBitmap:
			var entry BitmapEntry
			if err := decodeEntry(slot, &entry); err != nil {
				return err
			}
			bitmapMeta = &entry
		case entryTypeUpcaseTable:
			if err := decodeEntry(slot, &fs.upcaseMeta); err != nil {
				return err
			}
		case entryTypeVolumeLabel:
			var entry LabelEntry
			if err := decodeEntry(slot, &entry); err != nil {
				return err
			}
			units := entry.VolumeLabel[:]
			if int(entry.CharacterCount) < len(units) {
				units = units[:entry.CharacterCount]
			}
			fs.label = utf16ToString(units)
			fs.labelOffset = offset
		}
	}

	if bitmapMeta == nil {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("allocation bitmap entry missing in the root directory"))
	}
	if fs.upcaseMeta.EntryType != entryTypeUpcaseTable {
		return checkpoint.Wrap(ErrBadBootSector, errors.New("upcase table entry missing in the root directory"))
	}

	bitmap, err := loadBitmap(fs, bitmapMeta, fs.precise)
	if err != nil {
		return err
	}
	fs.bitmap = bitmap

	upcase, err := loadUpcaseTable(fs, &fs.upcaseMeta)
	if err != nil {
		return err
	}
	fs.upcase = upcase

	return nil
}

// rootStream returns the data stream of the root directory. Its length is
// not recorded anywhere, so the FAT chain is measured once.
func (fs *Fs) rootStream() (*stream, error) {
	s := &stream{
		fs:           fs,
		firstCluster: fs.rootCluster,
		noFatChain:   false,
	}
	clusters, err := s.clusters()
	if err != nil {
		return nil, err
	}
	s.size = uint64(len(clusters)) * uint64(fs.clusterSize)
	return s, nil
}

// fetch loads a specific single sector of the volume into the cached
// sector buffer. Only loads it once.
func (fs *Fs) fetch(sector int64) error {
	if fs.sector.valid && sector == fs.sector.current {
		return nil
	}

	if fs.sector.dirty {
		if err := fs.store(); err != nil {
			return err
		}
	}

	if _, err := fs.device.ReadAt(fs.sector.buffer, sector*int64(fs.sectorSize)); err != nil {
		fs.sector.valid = false
		return checkpoint.Wrap(err, ErrIO)
	}
	fs.sector.current = sector
	fs.sector.valid = true
	return nil
}

// store writes the cached sector back to the device.
func (fs *Fs) store() error {
	if !fs.sector.valid {
		return nil
	}
	if _, err := fs.device.WriteAt(fs.sector.buffer, fs.sector.current*int64(fs.sectorSize)); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	fs.sector.dirty = false
	return nil
}

// readSectorInto copies length bytes starting at offset within the given
// sector into p, going through the sector cache.
func (fs *Fs) readSectorInto(sector int64, offset uint32, p []byte) error {
	if err := fs.fetch(sector); err != nil {
		return err
	}
	copy(p, fs.sector.buffer[offset:])
	return nil
}

// patchSector updates part of one sector read-modify-write. The write goes
// through to the device immediately; the cache stays coherent.
func (fs *Fs) patchSector(sector int64, offset uint32, data []byte) error {
	if fs.readOnly {
		return checkpoint.From(ErrReadOnly)
	}
	if err := fs.fetch(sector); err != nil {
		return err
	}
	copy(fs.sector.buffer[offset:], data)
	fs.sector.dirty = true
	return fs.store()
}

func (fs *Fs) sectorOfCluster(cluster uint32) int64 {
	return fs.heapStart + int64(cluster-2)*int64(fs.sectorsPerCluster)
}

func (fs *Fs) validCluster(cluster uint32) bool {
	return cluster >= 2 && cluster < fs.clusterCount+2
}

// SerialNumber returns the volume serial number from the boot sector.
func (fs *Fs) SerialNumber() uint32 {
	return fs.boot.VolumeSerialNumber
}

// Label returns the volume label, or the empty string if the root
// directory carries no label entry.
func (fs *Fs) Label() string {
	return fs.label
}

// PercentInUse returns the percent-in-use hint from the boot sector as
// maintained by this implementation.
func (fs *Fs) PercentInUse() uint8 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.boot.PercentInUse
}

// UsedClusters returns the number of allocated clusters. The value is
// exact when the volume is mounted with WithPreciseUsage and a monotone
// upper bound otherwise.
func (fs *Fs) UsedClusters() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bitmap.usedCount()
}

// IsDirty reports whether the volume-dirty flag is set in the boot sector.
func (fs *Fs) IsDirty() bool {
	return fs.boot.VolumeFlags&volumeFlagDirty != 0
}

// setDirty writes the volume-dirty flag through to sector 0. The flag
// bytes are excluded from the boot region checksum, so no checksum update
// is needed.
func (fs *Fs) setDirty(dirty bool) error {
	flags := fs.boot.VolumeFlags
	if dirty {
		flags |= volumeFlagDirty
	} else {
		flags &^= volumeFlagDirty
	}
	if flags == fs.boot.VolumeFlags {
		return nil
	}
	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], flags)
	if err := fs.patchSector(0, offsetVolumeFlags, raw[:]); err != nil {
		return err
	}
	fs.boot.VolumeFlags = flags
	return nil
}

// ValidateChecksum recomputes the boot region checksum over the first
// eleven sectors and compares it against the value repeated across sector
// 11. Volume flags and percent-in-use are excluded because they
// legitimately mutate.
func (fs *Fs) ValidateChecksum() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var sum bootChecksum
	for i := 0; i < checksummedBootSectors; i++ {
		if err := fs.fetch(int64(i)); err != nil {
			return err
		}
		sum.write(i, fs.sector.buffer)
	}

	if err := fs.fetch(bootChecksumSector); err != nil {
		return err
	}
	stored := binary.LittleEndian.Uint32(fs.sector.buffer)
	if stored != sum.sum() {
		return checkpoint.Wrap(ErrChecksumMismatch, errors.New("boot region checksum does not match"))
	}
	return nil
}

// ValidateUpcaseTableChecksum recomputes the upcase table checksum over
// the table bytes as stored and compares it against the checksum recorded
// in the upcase directory entry.
func (fs *Fs) ValidateUpcaseTableChecksum() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.upcase.validateChecksum(fs)
}

// Upcase maps one UTF-16 code unit through the volume's upcase table.
func (fs *Fs) Upcase(unit uint16) uint16 {
	return fs.upcase.lookup(unit)
}

// UpcaseString maps every UTF-16 code unit of a name through the volume's
// upcase table and returns the result as a new slice.
func (fs *Fs) UpcaseString(units []uint16) []uint16 {
	return fs.upcase.upcaseUnits(units)
}

// Root opens the root directory.
func (fs *Fs) Root() (*Directory, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, checkpoint.From(ErrHandleClosed)
	}

	root, err := fs.rootStream()
	if err != nil {
		return nil, err
	}
	return &Directory{fs: fs, name: "/", data: root, isRoot: true}, nil
}

// Close flushes pending sector writes, clears the volume-dirty flag and
// syncs the device. The volume must not be used afterwards.
func (fs *Fs) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}

	if !fs.readOnly {
		if err := fs.store(); err != nil {
			return checkpoint.Wrap(err, ErrCloseVolume)
		}
		if err := fs.setDirty(false); err != nil {
			return checkpoint.Wrap(err, ErrCloseVolume)
		}
		if err := fs.device.Sync(); err != nil {
			return checkpoint.Wrap(checkpoint.Wrap(err, ErrIO), ErrCloseVolume)
		}
	}
	fs.closed = true
	return nil
}

// splitPath normalizes an afero path into its segments.
// An empty result addresses the root directory.
func splitPath(name string) []string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Clean("/" + name)
	if name == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(name, "/"), "/")
}

// resolveParent walks the path down to the parent directory of the final
// segment. The returned directory is root for single-segment paths.
func (fs *Fs) resolveParent(segments []string) (*Directory, error) {
	root, err := fs.rootStream()
	if err != nil {
		return nil, err
	}
	dir := &Directory{fs: fs, name: "/", data: root, isRoot: true}
	for _, segment := range segments[:len(segments)-1] {
		set, err := dir.lookup(segment)
		if err != nil {
			return nil, err
		}
		if set.header.FileAttributes&attrDirectory == 0 {
			return nil, checkpoint.Wrap(ErrNotADirectory, errors.New(segment))
		}
		dir = dir.openDirectoryLocked(set)
	}
	return dir, nil
}

// resolve walks a path to its entry set.
func (fs *Fs) resolve(segments []string) (parent *Directory, set *entrySet, err error) {
	parent, err = fs.resolveParent(segments)
	if err != nil {
		return nil, nil, err
	}
	set, err = parent.lookup(segments[len(segments)-1])
	if err != nil {
		return nil, nil, err
	}
	return parent, set, nil
}

// Name returns the name of this filesystem.
func (fs *Fs) Name() string {
	return "exFAT"
}

// Open opens the named file or directory for reading.
func (fs *Fs) Open(name string) (afero.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, checkpoint.From(ErrHandleClosed)
	}

	segments := splitPath(name)
	if len(segments) == 0 {
		root, err := fs.rootStream()
		if err != nil {
			return nil, checkpoint.Wrap(err, ErrResolvePath)
		}
		dir := &Directory{fs: fs, name: "/", data: root, isRoot: true}
		return newDirectoryFile(dir), nil
	}

	parent, set, err := fs.resolve(segments)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrResolvePath)
	}
	if set.header.FileAttributes&attrDirectory != 0 {
		return newDirectoryFile(parent.openDirectoryLocked(set)), nil
	}
	return parent.openFileLocked(set), nil
}

// OpenFile opens a file using the given flags and the given mode.
func (fs *Fs) OpenFile(name string, flag int, _ os.FileMode) (afero.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, checkpoint.From(ErrHandleClosed)
	}

	writable := flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0
	if writable && fs.readOnly {
		return nil, checkpoint.From(ErrReadOnly)
	}

	segments := splitPath(name)
	if len(segments) == 0 {
		if writable {
			return nil, checkpoint.From(ErrNotAFile)
		}
		root, err := fs.rootStream()
		if err != nil {
			return nil, checkpoint.Wrap(err, ErrResolvePath)
		}
		return newDirectoryFile(&Directory{fs: fs, name: "/", data: root, isRoot: true}), nil
	}

	parent, set, err := fs.resolve(segments)
	switch {
	case err == nil && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, checkpoint.From(ErrAlreadyExists)
	case err != nil && errors.Is(err, ErrNotFound) && flag&os.O_CREATE != 0:
		parent, err = fs.resolveParent(segments)
		if err != nil {
			return nil, checkpoint.Wrap(err, ErrResolvePath)
		}
		set, err = parent.create(segments[len(segments)-1], false)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, checkpoint.Wrap(err, ErrResolvePath)
	}

	if set.header.FileAttributes&attrDirectory != 0 {
		if writable {
			return nil, checkpoint.From(ErrNotAFile)
		}
		return newDirectoryFile(parent.openDirectoryLocked(set)), nil
	}

	file := parent.openFileLocked(set)
	if flag&os.O_TRUNC != 0 {
		if err := file.truncateLocked(0); err != nil {
			return nil, err
		}
	}
	if flag&os.O_APPEND != 0 {
		file.offset = int64(file.validLength)
	}
	return file, nil
}

// Create creates a new empty file, truncating it if it already exists.
func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0)
}

// Mkdir creates a new directory.
func (fs *Fs) Mkdir(name string, _ os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return checkpoint.From(ErrHandleClosed)
	}

	segments := splitPath(name)
	if len(segments) == 0 {
		return checkpoint.From(ErrAlreadyExists)
	}
	parent, err := fs.resolveParent(segments)
	if err != nil {
		return checkpoint.Wrap(err, ErrResolvePath)
	}
	_, err = parent.create(segments[len(segments)-1], true)
	return err
}

// MkdirAll creates a directory path creating all missing parents.
func (fs *Fs) MkdirAll(name string, perm os.FileMode) error {
	segments := splitPath(name)
	for i := range segments {
		err := fs.Mkdir("/"+path.Join(segments[:i+1]...), perm)
		if err != nil && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

// Remove removes a file or an empty directory.
func (fs *Fs) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return checkpoint.From(ErrHandleClosed)
	}

	segments := splitPath(name)
	if len(segments) == 0 {
		return checkpoint.From(ErrDirectoryNotEmpty)
	}
	parent, err := fs.resolveParent(segments)
	if err != nil {
		return checkpoint.Wrap(err, ErrResolvePath)
	}
	return parent.remove(segments[len(segments)-1])
}

// RemoveAll removes a path and any children it contains.
// It does nothing if the path does not exist.
func (fs *Fs) RemoveAll(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return checkpoint.From(ErrHandleClosed)
	}

	segments := splitPath(name)
	if len(segments) == 0 {
		return checkpoint.From(ErrDirectoryNotEmpty)
	}
	parent, set, err := fs.resolve(segments)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return checkpoint.Wrap(err, ErrResolvePath)
	}
	return parent.removeAll(set)
}

// Rename moves a file or directory to a new name.
// Both paths have to share the same parent directory; exFAT entry sets do
// not move between directories in this implementation.
func (fs *Fs) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return checkpoint.From(ErrHandleClosed)
	}

	oldSegments := splitPath(oldname)
	newSegments := splitPath(newname)
	if len(oldSegments) == 0 || len(newSegments) == 0 {
		return checkpoint.From(ErrNotFound)
	}
	if len(oldSegments) != len(newSegments) {
		return checkpoint.Wrap(ErrUnsupported, errors.New("rename across directories"))
	}
	for i := range oldSegments[:len(oldSegments)-1] {
		if oldSegments[i] != newSegments[i] {
			return checkpoint.Wrap(ErrUnsupported, errors.New("rename across directories"))
		}
	}

	parent, err := fs.resolveParent(oldSegments)
	if err != nil {
		return checkpoint.Wrap(err, ErrResolvePath)
	}
	return parent.rename(oldSegments[len(oldSegments)-1], newSegments[len(newSegments)-1])
}

// Stat returns the FileInfo of the named file or directory.
func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, checkpoint.From(ErrHandleClosed)
	}

	segments := splitPath(name)
	if len(segments) == 0 {
		return rootFileInfo{}, nil
	}
	_, set, err := fs.resolve(segments)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrStatEntry)
	}
	return set.FileInfo(), nil
}

// Chmod maps the writable bit of mode onto the exFAT read-only attribute.
// All other mode bits have no exFAT representation and are ignored.
func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return checkpoint.From(ErrHandleClosed)
	}

	segments := splitPath(name)
	if len(segments) == 0 {
		return checkpoint.From(ErrNotAFile)
	}
	parent, set, err := fs.resolve(segments)
	if err != nil {
		return checkpoint.Wrap(err, ErrResolvePath)
	}

	if mode&0200 == 0 {
		set.header.FileAttributes |= attrReadOnly
	} else {
		set.header.FileAttributes &^= attrReadOnly
	}
	return checkpoint.Wrap(parent.writeBackEntrySet(set), ErrChangeVolume)
}

// Chown is not supported by exFAT.
func (fs *Fs) Chown(string, int, int) error {
	return checkpoint.Wrap(ErrUnsupported, syscall.EPERM)
}

// Chtimes sets the last-modified timestamp of the named file from mtime
// and its last-accessed timestamp from atime.
func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return checkpoint.From(ErrHandleClosed)
	}

	segments := splitPath(name)
	if len(segments) == 0 {
		return checkpoint.From(ErrNotAFile)
	}
	parent, set, err := fs.resolve(segments)
	if err != nil {
		return checkpoint.Wrap(err, ErrResolvePath)
	}

	ts, tenMs, offset := NewTimestamp(mtime)
	set.header.LastModifiedTimestamp = ts
	set.header.LastModified10msIncrement = tenMs
	set.header.LastModifiedUTCOffset = offset
	ts, _, offset = NewTimestamp(atime)
	set.header.LastAccessedTimestamp = ts
	set.header.LastAccessedUTCOffset = offset
	return checkpoint.Wrap(parent.writeBackEntrySet(set), ErrChangeVolume)
}
