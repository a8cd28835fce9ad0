package exfat

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

// testClock is the pinned clock used by all tests so timestamps are
// reproducible.
var testClock = FixedClock{Time: time.Date(2021, time.March, 14, 15, 9, 26, 0, time.UTC)}

// newTestDevice formats a fresh in-memory volume.
func newTestDevice(t *testing.T) *RAMDevice {
	t.Helper()

	device := NewRAMDevice(4 * 1024 * 1024)
	err := Format(device, FormatOptions{
		Label:  "TESTVOL",
		Serial: 0xCAFEBABE,
	})
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	return device
}

// newTestVolume formats and mounts a fresh in-memory volume.
func newTestVolume(t *testing.T, options ...Option) (*Fs, *RAMDevice) {
	t.Helper()

	device := newTestDevice(t)
	options = append([]Option{WithClock(testClock), WithPreciseUsage()}, options...)
	fs, err := New(device, options...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = fs.Close()
	})
	return fs, device
}

// parseBootSector re-reads the boot sector straight from the device, for
// tests that need the on-disk geometry.
func parseBootSector(t *testing.T, device *RAMDevice) BootSector {
	t.Helper()

	var boot BootSector
	err := binary.Read(bytes.NewReader(device.Bytes()), binary.LittleEndian, &boot)
	if err != nil {
		t.Fatalf("could not parse the boot sector: %v", err)
	}
	return boot
}

// bitmapRegion returns the device byte range holding the allocation
// bitmap.
func bitmapRegion(t *testing.T, device *RAMDevice) []byte {
	t.Helper()

	boot := parseBootSector(t, device)
	sectorSize := uint32(1) << boot.BytesPerSectorShift
	// The formatter places the bitmap at cluster 2, the very start of the
	// cluster heap.
	start := int64(boot.ClusterHeapOffset) * int64(sectorSize)
	length := int64(boot.ClusterCount+7) / 8
	return device.Bytes()[start : start+length]
}
