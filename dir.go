package exfat

import (
	"encoding/binary"
	"errors"
	"os"
	"strings"

	"github.com/aligator/goexfat/checkpoint"
)

// These errors may occur while processing a directory.
var (
	ErrReadDir  = errors.New("could not read the directory")
	ErrWriteDir = errors.New("could not write the directory")
)

// Characters that must not appear in an exFAT file name, besides the
// control range below 0x20.
const invalidNameChars = `"*/:<>?\|`

// Directory is an open directory of the volume.
//
// A directory keeps a reference back to the volume; enumeration borrows
// the handle and must not outlive it. All operations serialize on the
// volume gate.
type Directory struct {
	fs   *Fs
	name string

	// data is the directory's own entry area.
	data *stream

	// self locates the directory's entry set within parentData so that
	// growth and timestamp updates can be written back. Root has neither.
	isRoot     bool
	self       *entrySet
	parentData *stream
}

// Name returns the name of the directory within its parent.
func (d *Directory) Name() string {
	return d.name
}

// ValidateUpcaseTableChecksum verifies the volume's upcase table against
// the checksum recorded in its root directory entry.
func (d *Directory) ValidateUpcaseTableChecksum() error {
	return d.fs.ValidateUpcaseTableChecksum()
}

// walk decodes the directory's entry sets in on-disk order and calls fn
// for each live one. Deleted sets and the critical primary entries
// (bitmap, upcase table, label) are skipped; sets whose name exceeds the
// configured cap are skipped as well. A set failing validation surfaces
// ErrCorruptEntrySet after every preceding set was yielded.
func (d *Directory) walk(fn func(*entrySet) (bool, error)) error {
	slot := make([]byte, entrySize)
	for offset := int64(0); uint64(offset)+entrySize <= d.data.size; {
		if err := d.data.readAt(slot, uint64(offset)); err != nil {
			return checkpoint.Wrap(err, ErrReadDir)
		}
		entryType := slot[0]
		if entryType == entryTypeEndOfDirectory {
			return nil
		}
		if !entryInUse(entryType) || entryType != entryTypeFile {
			offset += entrySize
			continue
		}

		secondaries := int(slot[1])
		if secondaries < minSecondaryCount || secondaries > maxSecondaryCount {
			return checkpoint.Wrap(ErrCorruptEntrySet, ErrReadDir)
		}
		length := (secondaries + 1) * entrySize
		if uint64(offset)+uint64(length) > d.data.size {
			return checkpoint.Wrap(ErrCorruptEntrySet, ErrReadDir)
		}
		raw := make([]byte, length)
		if err := d.data.readAt(raw, uint64(offset)); err != nil {
			return checkpoint.Wrap(err, ErrReadDir)
		}
		set, err := decodeEntrySet(raw)
		if err != nil {
			return checkpoint.Wrap(err, ErrReadDir)
		}
		set.offset = offset

		if int(set.stream.NameLength) <= d.fs.nameCap {
			cont, err := fn(set)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		offset += int64(length)
	}
	return nil
}

// lookup finds the entry set matching name case-insensitively. The name
// hash prefilters; only matching candidates are compared unit by unit.
func (d *Directory) lookup(name string) (*entrySet, error) {
	units := stringToUTF16(name)
	if len(units) == 0 || len(units) > d.fs.nameCap {
		return nil, checkpoint.Wrap(ErrNotFound, errors.New(name))
	}
	upcased := d.fs.upcase.upcaseUnits(units)
	hash := nameHash(upcased)

	var found *entrySet
	err := d.walk(func(set *entrySet) (bool, error) {
		if len(set.nameUnits) != len(units) || set.stream.NameHash != hash {
			return true, nil
		}
		if !d.fs.upcase.equals(set.nameUnits, units) {
			return true, nil
		}
		found = set
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, checkpoint.Wrap(ErrNotFound, errors.New(name))
	}
	return found, nil
}

func validateName(name string) error {
	if name == "." || name == ".." {
		return checkpoint.Wrap(ErrAlreadyExists, errors.New(name))
	}
	if strings.ContainsAny(name, invalidNameChars) {
		return checkpoint.Wrap(ErrNotFound, errors.New("name contains invalid characters"))
	}
	for _, r := range name {
		if r < 0x20 {
			return checkpoint.Wrap(ErrNotFound, errors.New("name contains control characters"))
		}
	}
	return nil
}

// findFreeSlots returns the stream offset of the first run of free slots
// big enough for count entries, extending the directory by a zeroed
// cluster when nothing fits.
func (d *Directory) findFreeSlots(count int) (int64, error) {
	need := int64(count) * entrySize
	slot := make([]byte, entrySize)

	var offset, runStart, runLength int64
	for ; uint64(offset)+entrySize <= d.data.size; offset += entrySize {
		if err := d.data.readAt(slot, uint64(offset)); err != nil {
			return 0, checkpoint.Wrap(err, ErrReadDir)
		}
		if slot[0] == entryTypeEndOfDirectory {
			// Everything from here to the end of the allocation is free.
			if int64(d.data.size)-offset >= need {
				return offset, nil
			}
			break
		}
		if entryInUse(slot[0]) {
			runLength = 0
			continue
		}
		if runLength == 0 {
			runStart = offset
		}
		runLength += entrySize
		if runLength >= need {
			return runStart, nil
		}
	}

	// No fit; append a cluster to the directory's own chain.
	grown, err := d.data.extend(d.data.size + uint64(d.fs.clusterSize))
	if err != nil {
		return 0, checkpoint.Wrap(err, ErrWriteDir)
	}
	if err := d.fs.zeroClusters(grown); err != nil {
		return 0, checkpoint.Wrap(err, ErrWriteDir)
	}
	if err := d.writeBackSelf(); err != nil {
		return 0, err
	}
	return offset, nil
}

// writeBackSelf rewrites the directory's own entry set in its parent after
// its data stream changed shape, and refreshes the modified timestamp.
func (d *Directory) writeBackSelf() error {
	if d.isRoot || d.self == nil {
		return nil
	}

	d.self.stream.FirstCluster = d.data.firstCluster
	d.self.stream.DataLength = d.data.size
	d.self.stream.ValidDataLength = d.data.size
	if d.data.noFatChain {
		d.self.stream.GeneralSecondaryFlags |= streamFlagNoFatChain
	} else {
		d.self.stream.GeneralSecondaryFlags &^= streamFlagNoFatChain
	}

	ts, tenMs, utcOffset := NewTimestamp(d.fs.clock.Now())
	d.self.header.LastModifiedTimestamp = ts
	d.self.header.LastModified10msIncrement = tenMs
	d.self.header.LastModifiedUTCOffset = utcOffset

	hash := nameHash(d.fs.upcase.upcaseUnits(d.self.nameUnits))
	raw := encodeEntrySet(d.self.header, d.self.stream, d.self.nameUnits, hash)
	d.self.header.SetChecksum = binary.LittleEndian.Uint16(raw[2:4])
	if err := d.parentData.writeAt(raw, uint64(d.self.offset)); err != nil {
		return checkpoint.Wrap(err, ErrWriteDir)
	}
	return nil
}

// writeBackEntrySet rewrites a child entry set in place.
func (d *Directory) writeBackEntrySet(set *entrySet) error {
	hash := nameHash(d.fs.upcase.upcaseUnits(set.nameUnits))
	raw := encodeEntrySet(set.header, set.stream, set.nameUnits, hash)
	set.header.SetChecksum = binary.LittleEndian.Uint16(raw[2:4])
	if err := d.data.writeAt(raw, uint64(set.offset)); err != nil {
		return checkpoint.Wrap(err, ErrWriteDir)
	}
	return nil
}

// create adds a new file or directory entry set.
//
// A new file starts without any allocation: first cluster zero, both
// lengths zero. A new directory gets one zeroed cluster right away so it
// can hold entries.
func (d *Directory) create(name string, directory bool) (*entrySet, error) {
	if d.fs.readOnly {
		return nil, checkpoint.From(ErrReadOnly)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	units := stringToUTF16(name)
	if len(units) > d.fs.nameCap {
		return nil, checkpoint.Wrap(ErrNameTooLong, errors.New(name))
	}
	if len(units) == 0 {
		return nil, checkpoint.Wrap(ErrNotFound, errors.New("empty name"))
	}

	if _, err := d.lookup(name); err == nil {
		return nil, checkpoint.Wrap(ErrAlreadyExists, errors.New(name))
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ts, tenMs, utcOffset := NewTimestamp(d.fs.clock.Now())
	header := EntryHeader{
		FileAttributes:            attrArchive,
		CreateTimestamp:           ts,
		Create10msIncrement:       tenMs,
		CreateUTCOffset:           utcOffset,
		LastModifiedTimestamp:     ts,
		LastModified10msIncrement: tenMs,
		LastModifiedUTCOffset:     utcOffset,
		LastAccessedTimestamp:     ts,
		LastAccessedUTCOffset:     utcOffset,
	}
	streamExt := StreamExtension{
		GeneralSecondaryFlags: streamFlagAllocationPossible,
	}

	if directory {
		header.FileAttributes = attrDirectory
		clusters, err := d.fs.bitmap.allocate(1)
		if err != nil {
			return nil, err
		}
		if err := d.fs.zeroClusters(clusters); err != nil {
			return nil, checkpoint.Wrap(err, ErrWriteDir)
		}
		streamExt.GeneralSecondaryFlags |= streamFlagNoFatChain
		streamExt.FirstCluster = clusters[0]
		streamExt.DataLength = uint64(d.fs.clusterSize)
		streamExt.ValidDataLength = uint64(d.fs.clusterSize)
	}

	fragments := (len(units) + nameUnitsPerEntry - 1) / nameUnitsPerEntry
	offset, err := d.findFreeSlots(2 + fragments)
	if err != nil {
		return nil, err
	}

	hash := nameHash(d.fs.upcase.upcaseUnits(units))
	raw := encodeEntrySet(header, streamExt, units, hash)
	if err := d.data.writeAt(raw, uint64(offset)); err != nil {
		return nil, checkpoint.Wrap(err, ErrWriteDir)
	}

	if err := d.writeBackSelf(); err != nil {
		return nil, err
	}

	set := &entrySet{
		name:      name,
		nameUnits: units,
		header:    header,
		stream:    streamExt,
		offset:    offset,
	}
	set.header.SetChecksum = binary.LittleEndian.Uint16(raw[2:4])
	set.header.SecondaryCount = uint8(1 + fragments)
	set.stream.NameLength = uint8(len(units))
	set.stream.NameHash = hash
	return set, nil
}

// markDeleted clears the in-use bit of every slot of the set.
func (d *Directory) markDeleted(set *entrySet) error {
	slot := make([]byte, entrySize)
	for i := 0; i < set.slots(); i++ {
		offset := uint64(set.offset) + uint64(i)*entrySize
		if err := d.data.readAt(slot, offset); err != nil {
			return checkpoint.Wrap(err, ErrWriteDir)
		}
		if err := d.data.writeAt([]byte{slot[0] &^ entryInUseMask}, offset); err != nil {
			return checkpoint.Wrap(err, ErrWriteDir)
		}
	}
	return nil
}

// isEmpty reports whether the directory holds no live entry sets.
func (d *Directory) isEmpty() (bool, error) {
	empty := true
	err := d.walk(func(*entrySet) (bool, error) {
		empty = false
		return false, nil
	})
	return empty, err
}

// remove deletes the named file or empty directory: the entry slots are
// marked deleted first, then the cluster chain is released, so an
// interruption can only leak clusters.
func (d *Directory) remove(name string) error {
	if d.fs.readOnly {
		return checkpoint.From(ErrReadOnly)
	}
	set, err := d.lookup(name)
	if err != nil {
		return err
	}
	return d.removeSet(set)
}

func (d *Directory) removeSet(set *entrySet) error {
	if set.isDirectory() {
		child := d.openDirectoryLocked(set)
		empty, err := child.isEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return checkpoint.Wrap(ErrDirectoryNotEmpty, errors.New(set.name))
		}
	}

	if err := d.markDeleted(set); err != nil {
		return err
	}

	if set.stream.FirstCluster != 0 {
		data := set.dataStream(d.fs)
		if err := data.truncate(0); err != nil {
			return err
		}
	}

	return d.writeBackSelf()
}

// removeAll deletes a set and, for directories, everything below it.
func (d *Directory) removeAll(set *entrySet) error {
	if d.fs.readOnly {
		return checkpoint.From(ErrReadOnly)
	}
	if set.isDirectory() {
		child := d.openDirectoryLocked(set)
		var children []*entrySet
		err := child.walk(func(s *entrySet) (bool, error) {
			children = append(children, s)
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, childSet := range children {
			if err := child.removeAll(childSet); err != nil {
				return err
			}
		}
	}
	return d.removeSet(set)
}

// rename gives the entry set a new name, in place when the new name fits
// into the existing slot count, otherwise by writing a fresh set and
// marking the old one deleted. The cluster allocation carries over
// untouched either way.
func (d *Directory) rename(oldName, newName string) error {
	if d.fs.readOnly {
		return checkpoint.From(ErrReadOnly)
	}
	if err := validateName(newName); err != nil {
		return err
	}
	newUnits := stringToUTF16(newName)
	if len(newUnits) > d.fs.nameCap {
		return checkpoint.Wrap(ErrNameTooLong, errors.New(newName))
	}
	if len(newUnits) == 0 {
		return checkpoint.Wrap(ErrNotFound, errors.New("empty name"))
	}

	set, err := d.lookup(oldName)
	if err != nil {
		return err
	}
	if existing, err := d.lookup(newName); err == nil && existing.offset != set.offset {
		return checkpoint.Wrap(ErrAlreadyExists, errors.New(newName))
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	ts, tenMs, utcOffset := NewTimestamp(d.fs.clock.Now())
	set.header.LastModifiedTimestamp = ts
	set.header.LastModified10msIncrement = tenMs
	set.header.LastModifiedUTCOffset = utcOffset

	oldSlots := set.slots()
	newSlots := 2 + (len(newUnits)+nameUnitsPerEntry-1)/nameUnitsPerEntry

	hash := nameHash(d.fs.upcase.upcaseUnits(newUnits))
	raw := encodeEntrySet(set.header, set.stream, newUnits, hash)

	if newSlots <= oldSlots {
		if err := d.data.writeAt(raw, uint64(set.offset)); err != nil {
			return checkpoint.Wrap(err, ErrWriteDir)
		}
		// Leftover slots of the longer old name become deleted file name
		// entries.
		leftover := []byte{entryTypeFileName &^ entryInUseMask}
		for i := newSlots; i < oldSlots; i++ {
			offset := uint64(set.offset) + uint64(i)*entrySize
			if err := d.data.writeAt(leftover, offset); err != nil {
				return checkpoint.Wrap(err, ErrWriteDir)
			}
		}
		return d.writeBackSelf()
	}

	offset, err := d.findFreeSlots(newSlots)
	if err != nil {
		return err
	}
	if err := d.data.writeAt(raw, uint64(offset)); err != nil {
		return checkpoint.Wrap(err, ErrWriteDir)
	}
	if err := d.markDeleted(set); err != nil {
		return err
	}
	return d.writeBackSelf()
}

// openDirectoryLocked opens the child directory described by the set.
// The volume gate is already held.
func (d *Directory) openDirectoryLocked(set *entrySet) *Directory {
	return &Directory{
		fs:         d.fs,
		name:       set.name,
		data:       set.dataStream(d.fs),
		self:       set,
		parentData: d.data,
	}
}

// openFileLocked opens the file described by the set. The volume gate is
// already held.
func (d *Directory) openFileLocked(set *entrySet) *File {
	return &File{
		fs:          d.fs,
		name:        set.name,
		set:         set,
		parentData:  d.data,
		data:        set.dataStream(d.fs),
		validLength: set.stream.ValidDataLength,
		open:        true,
	}
}

// Entries lists the directory in on-disk order.
func (d *Directory) Entries() ([]os.FileInfo, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	var infos []os.FileInfo
	err := d.walk(func(set *entrySet) (bool, error) {
		infos = append(infos, set.FileInfo())
		return true, nil
	})
	// A corrupt set further into the directory still yields everything
	// decoded before it.
	return infos, err
}

// Lookup finds an entry by name, case-insensitively via the volume's
// upcase table.
func (d *Directory) Lookup(name string) (os.FileInfo, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	set, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	return set.FileInfo(), nil
}

// OpenFile opens the named file in this directory.
func (d *Directory) OpenFile(name string) (*File, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	set, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	if set.isDirectory() {
		return nil, checkpoint.Wrap(ErrNotAFile, errors.New(name))
	}
	return d.openFileLocked(set), nil
}

// OpenDirectory opens the named subdirectory.
func (d *Directory) OpenDirectory(name string) (*Directory, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	set, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	if !set.isDirectory() {
		return nil, checkpoint.Wrap(ErrNotADirectory, errors.New(name))
	}
	return d.openDirectoryLocked(set), nil
}

// Create creates a new empty file in this directory.
func (d *Directory) Create(name string) (*File, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	set, err := d.create(name, false)
	if err != nil {
		return nil, err
	}
	return d.openFileLocked(set), nil
}

// Mkdir creates a new subdirectory.
func (d *Directory) Mkdir(name string) (*Directory, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	set, err := d.create(name, true)
	if err != nil {
		return nil, err
	}
	return d.openDirectoryLocked(set), nil
}

// Delete removes the named file or empty directory.
func (d *Directory) Delete(name string) error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	return d.remove(name)
}

// Rename renames an entry within this directory.
func (d *Directory) Rename(oldName, newName string) error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	return d.rename(oldName, newName)
}
