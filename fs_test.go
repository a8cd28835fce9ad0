package exfat

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
)

func TestNew(t *testing.T) {
	corrupt := func(mutate func(image []byte)) *RAMDevice {
		device := newTestDevice(t)
		mutate(device.Bytes())
		return device
	}

	tests := []struct {
		name    string
		device  *RAMDevice
		wantErr error
	}{
		{
			name:   "fresh formatted volume",
			device: newTestDevice(t),
		},
		{
			name: "invalid jump boot",
			device: corrupt(func(image []byte) {
				image[0] = 0xE9
			}),
			wantErr: ErrBadBootSector,
		},
		{
			name: "invalid filesystem name",
			device: corrupt(func(image []byte) {
				copy(image[3:], "NTFS    ")
			}),
			wantErr: ErrBadBootSector,
		},
		{
			name: "missing boot signature",
			device: corrupt(func(image []byte) {
				image[510] = 0
				image[511] = 0
			}),
			wantErr: ErrBadBootSector,
		},
		{
			name: "must-be-zero region not zero",
			device: corrupt(func(image []byte) {
				image[20] = 0xFF
			}),
			wantErr: ErrBadBootSector,
		},
		{
			name: "bytes per sector shift too small",
			device: corrupt(func(image []byte) {
				image[108] = 8
			}),
			wantErr: ErrBadBootSector,
		},
		{
			name: "bytes per sector shift too big",
			device: corrupt(func(image []byte) {
				image[108] = 13
			}),
			wantErr: ErrBadBootSector,
		},
		{
			name: "cluster size above 32MiB",
			device: corrupt(func(image []byte) {
				image[109] = 17 // 2^(9+17) = 64 MiB
			}),
			wantErr: ErrBadBootSector,
		},
		{
			name: "invalid FAT count",
			device: corrupt(func(image []byte) {
				image[110] = 3
			}),
			wantErr: ErrBadBootSector,
		},
		{
			name: "TexFAT volume",
			device: corrupt(func(image []byte) {
				image[110] = 2                                  // two FATs
				binary.LittleEndian.PutUint16(image[106:], 0x1) // second FAT active
			}),
			wantErr: ErrUnsupported,
		},
		{
			name: "volume length exceeds device",
			device: corrupt(func(image []byte) {
				binary.LittleEndian.PutUint64(image[72:], 1<<40)
			}),
			wantErr: ErrBadBootSector,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := New(tt.device, WithClock(testClock))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("New() error = %v, want nil", err)
				}
				if err := fs.Close(); err != nil {
					t.Errorf("Close() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSkipChecks(t *testing.T) {
	// A zeroed must-be-zero region is required by New but tolerated by
	// NewSkipChecks.
	device := newTestDevice(t)
	device.Bytes()[20] = 0xFF

	if _, err := New(device, WithClock(testClock)); !errors.Is(err, ErrBadBootSector) {
		t.Fatalf("New() error = %v, want ErrBadBootSector", err)
	}

	fs, err := NewSkipChecks(device, WithClock(testClock))
	if err != nil {
		t.Fatalf("NewSkipChecks() error = %v, want nil", err)
	}
	defer fs.Close()
}

func TestNew_deviceError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	deviceErr := errors.New("broken disk")
	device := NewMockDevice(ctrl)
	device.EXPECT().ReadAt(gomock.Any(), int64(0)).Return(0, deviceErr)

	_, err := New(device)
	if !errors.Is(err, ErrIO) {
		t.Errorf("New() error = %v, want ErrIO", err)
	}
	if !errors.Is(err, deviceErr) {
		t.Errorf("New() error chain does not carry the device error: %v", err)
	}
}

func TestFs_ValidateChecksum(t *testing.T) {
	t.Run("fresh volume validates", func(t *testing.T) {
		fs, _ := newTestVolume(t)
		if err := fs.ValidateChecksum(); err != nil {
			t.Errorf("ValidateChecksum() error = %v, want nil", err)
		}
	})

	t.Run("flipped checksummed byte fails but mount succeeds", func(t *testing.T) {
		device := newTestDevice(t)
		// Byte 113 lies in the reserved region right behind percent-in-use
		// and is covered by the checksum.
		device.Bytes()[113] ^= 0xFF

		fs, err := New(device, WithClock(testClock))
		if err != nil {
			t.Fatalf("New() error = %v, mount itself must succeed", err)
		}
		defer fs.Close()

		if err := fs.ValidateChecksum(); !errors.Is(err, ErrChecksumMismatch) {
			t.Errorf("ValidateChecksum() error = %v, want ErrChecksumMismatch", err)
		}
	})

	t.Run("flipped excluded byte still validates", func(t *testing.T) {
		// Byte 106 is the low volume-flags byte, excluded from the
		// checksum because it legitimately mutates.
		device := newTestDevice(t)
		device.Bytes()[106] ^= 0x04

		fs, err := New(device, WithClock(testClock))
		if err != nil {
			t.Fatalf("New() error = %v, mount itself must succeed", err)
		}
		defer fs.Close()

		if err := fs.ValidateChecksum(); err != nil {
			t.Errorf("ValidateChecksum() error = %v, want nil", err)
		}
	})
}

func TestFs_dirtyFlag(t *testing.T) {
	device := newTestDevice(t)

	fs, err := New(device, WithClock(testClock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !fs.IsDirty() {
		t.Error("IsDirty() = false while mounted writable, want true")
	}
	if flags := binary.LittleEndian.Uint16(device.Bytes()[106:]); flags&volumeFlagDirty == 0 {
		t.Error("volume-dirty flag not written through to the device")
	}

	if err := fs.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if flags := binary.LittleEndian.Uint16(device.Bytes()[106:]); flags&volumeFlagDirty != 0 {
		t.Error("volume-dirty flag still set after Close")
	}

	// A read-only mount must not touch the flag.
	fs, err = New(device, WithClock(testClock), WithReadOnly())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer fs.Close()
	if fs.IsDirty() {
		t.Error("IsDirty() = true on a read-only mount of a clean volume")
	}
}

func TestFs_LabelAndSerial(t *testing.T) {
	fs, _ := newTestVolume(t)

	if got := fs.Label(); got != "TESTVOL" {
		t.Errorf("Label() = %q, want %q", got, "TESTVOL")
	}
	if got := fs.SerialNumber(); got != 0xCAFEBABE {
		t.Errorf("SerialNumber() = %08X, want CAFEBABE", got)
	}
	if got := fs.Name(); got != "exFAT" {
		t.Errorf("Name() = %q, want %q", got, "exFAT")
	}
}

func TestFs_readOnly(t *testing.T) {
	fs, _ := newTestVolume(t, WithReadOnly())

	if _, err := fs.Create("/file.bin"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Create() error = %v, want ErrReadOnly", err)
	}
	if err := fs.Mkdir("/dir", 0777); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Mkdir() error = %v, want ErrReadOnly", err)
	}
	if err := fs.Remove("/file.bin"); !errors.Is(err, ErrReadOnly) && !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove() error = %v, want ErrReadOnly or ErrNotFound", err)
	}
}

func TestFs_usedClusters(t *testing.T) {
	t.Run("precise mode counts the system files", func(t *testing.T) {
		fs, device := newTestVolume(t)
		boot := parseBootSector(t, device)

		// Bitmap, upcase table and root directory clusters are in use.
		want := boot.FirstClusterOfRootDirectory - 2 + 1
		if got := fs.UsedClusters(); got != want {
			t.Errorf("UsedClusters() = %d, want %d", got, want)
		}
	})

	t.Run("approximate mode never under-reports", func(t *testing.T) {
		device := newTestDevice(t)

		precise, err := New(device, WithClock(testClock), WithPreciseUsage(), WithReadOnly())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		exact := precise.UsedClusters()
		precise.Close()

		approx, err := New(device, WithClock(testClock), WithReadOnly())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer approx.Close()
		if got := approx.UsedClusters(); got < exact {
			t.Errorf("approximate UsedClusters() = %d under-reports the exact %d", got, exact)
		}
	})
}
