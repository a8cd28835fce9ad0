package exfat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"unicode/utf16"

	"github.com/aligator/goexfat/checkpoint"
)

// decodeEntry unpacks one 32-byte directory entry slot into the matching
// on-disk struct.
func decodeEntry(slot []byte, v interface{}) error {
	return checkpoint.From(binary.Read(bytes.NewReader(slot[:entrySize]), binary.LittleEndian, v))
}

// encodeStruct packs a fixed-size on-disk struct into its raw form.
func encodeStruct(v interface{}, size int) []byte {
	var buffer bytes.Buffer
	buffer.Grow(size)
	// The on-disk structs are fixed-size, so this cannot fail.
	_ = binary.Write(&buffer, binary.LittleEndian, v)
	return buffer.Bytes()
}

// encodeEntry packs one on-disk entry struct into its 32-byte slot.
func encodeEntry(v interface{}) []byte {
	return encodeStruct(v, entrySize)
}

func stringToUTF16(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func utf16ToString(units []uint16) string {
	return string(utf16.Decode(units))
}

// entrySet is one decoded directory entry set: the primary file entry, its
// stream extension and the name collected from the file name entries.
type entrySet struct {
	name      string
	nameUnits []uint16

	header EntryHeader
	stream StreamExtension

	// offset is the byte offset of the primary entry within the parent
	// directory's data stream.
	offset int64
}

// slots returns the total number of 32-byte entries of the set.
func (e *entrySet) slots() int {
	return int(e.header.SecondaryCount) + 1
}

func (e *entrySet) isDirectory() bool {
	return e.header.FileAttributes&attrDirectory != 0
}

// dataStream returns the stream described by the set's stream extension.
func (e *entrySet) dataStream(fs *Fs) *stream {
	return &stream{
		fs:           fs,
		firstCluster: e.stream.FirstCluster,
		noFatChain:   e.stream.GeneralSecondaryFlags&streamFlagNoFatChain != 0,
		size:         e.stream.DataLength,
	}
}

// decodeEntrySet validates and unpacks a raw entry set. raw holds all
// 32·(N+1) bytes starting at the primary entry.
func decodeEntrySet(raw []byte) (*entrySet, error) {
	set := &entrySet{}
	if err := decodeEntry(raw, &set.header); err != nil {
		return nil, err
	}
	if set.header.EntryType != entryTypeFile {
		return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("set does not start with a file entry"))
	}
	secondaries := int(set.header.SecondaryCount)
	if secondaries < minSecondaryCount || secondaries > maxSecondaryCount {
		return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("secondary count out of range"))
	}
	if len(raw) != (secondaries+1)*entrySize {
		return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("truncated entry set"))
	}

	if sum := entrySetChecksum(raw); sum != set.header.SetChecksum {
		return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("entry set checksum does not match"))
	}

	if err := decodeEntry(raw[entrySize:], &set.stream); err != nil {
		return nil, err
	}
	if set.stream.EntryType != entryTypeStreamExtension {
		return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("stream extension entry missing"))
	}
	if set.stream.Reserved1 != 0 || set.stream.Reserved2 != 0 || set.stream.Reserved3 != 0 {
		return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("reserved stream extension fields are not zero"))
	}
	if set.stream.ValidDataLength > set.stream.DataLength {
		return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("valid data length exceeds the data length"))
	}

	units := make([]uint16, 0, (secondaries-1)*nameUnitsPerEntry)
	for i := 2; i <= secondaries; i++ {
		var nameEntry FileNameEntry
		if err := decodeEntry(raw[i*entrySize:], &nameEntry); err != nil {
			return nil, err
		}
		if nameEntry.EntryType != entryTypeFileName {
			return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("unexpected secondary entry type"))
		}
		units = append(units, nameEntry.FileName[:]...)
	}
	if int(set.stream.NameLength) > len(units) || set.stream.NameLength == 0 {
		return nil, checkpoint.Wrap(ErrCorruptEntrySet, errors.New("name length does not match the file name entries"))
	}
	set.nameUnits = units[:set.stream.NameLength]
	set.name = utf16ToString(set.nameUnits)

	return set, nil
}

// encodeEntrySet packs the set into its raw on-disk form, filling in the
// secondary count, name length, name hash and set checksum.
func encodeEntrySet(header EntryHeader, streamExt StreamExtension, nameUnits []uint16, hash uint16) []byte {
	fragments := (len(nameUnits) + nameUnitsPerEntry - 1) / nameUnitsPerEntry
	secondaries := 1 + fragments

	header.EntryType = entryTypeFile
	header.SecondaryCount = uint8(secondaries)
	header.SetChecksum = 0

	streamExt.EntryType = entryTypeStreamExtension
	streamExt.NameLength = uint8(len(nameUnits))
	streamExt.NameHash = hash

	raw := make([]byte, (secondaries+1)*entrySize)
	copy(raw, encodeEntry(&header))
	copy(raw[entrySize:], encodeEntry(&streamExt))
	for i := 0; i < fragments; i++ {
		nameEntry := FileNameEntry{EntryType: entryTypeFileName}
		for j := 0; j < nameUnitsPerEntry; j++ {
			if index := i*nameUnitsPerEntry + j; index < len(nameUnits) {
				nameEntry.FileName[j] = nameUnits[index]
			}
		}
		copy(raw[(2+i)*entrySize:], encodeEntry(&nameEntry))
	}

	binary.LittleEndian.PutUint16(raw[2:4], entrySetChecksum(raw))
	return raw
}
