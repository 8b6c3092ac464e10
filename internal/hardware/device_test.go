package hardware

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/thomasgruebl/paccor4esp/internal/loader"
	"github.com/thomasgruebl/paccor4esp/internal/partition"
	"github.com/thomasgruebl/paccor4esp/internal/protocol"
)

type fakeLoader struct {
	regs    map[uint32]uint32
	reads   map[uint32]int
	flash   []byte
	id      [3]byte
	uid     [8]byte
	secInfo *protocol.SecurityInfo
	badMD5  bool
	failReg uint32
}

func newFakeLoader(magic uint32) *fakeLoader {
	return &fakeLoader{
		regs:  map[uint32]uint32{protocol.ChipMagicRegister: magic},
		reads: make(map[uint32]int),
		flash: erased(0x60000),
	}
}

func erased(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func (f *fakeLoader) ReadReg(addr uint32) (uint32, error) {
	if f.failReg != 0 && addr == f.failReg {
		return 0, errors.New("timeout")
	}
	f.reads[addr]++
	return f.regs[addr], nil
}

func (f *fakeLoader) SecurityInfo() (*protocol.SecurityInfo, error) {
	if f.secInfo == nil {
		return nil, errors.New("command not supported")
	}
	return f.secInfo, nil
}

func (f *fakeLoader) FlashID(loader.SPIRegisters) ([3]byte, error)       { return f.id, nil }
func (f *fakeLoader) FlashUniqueID(loader.SPIRegisters) ([8]byte, error) { return f.uid, nil }

func (f *fakeLoader) ReadFlash(_ loader.SPIRegisters, addr, size uint32, _ loader.ProgressCallback) ([]byte, error) {
	if int(addr+size) > len(f.flash) {
		return nil, errors.New("read past end of flash")
	}
	out := make([]byte, size)
	copy(out, f.flash[addr:addr+size])
	return out, nil
}

func (f *fakeLoader) FlashMD5(addr, size uint32) (string, error) {
	sum := md5.Sum(f.flash[addr : addr+size])
	if f.badMD5 {
		sum[0] ^= 0xFF
	}
	return hex.EncodeToString(sum[:]), nil
}

const (
	magicC3    = 0x1B31506F
	magicESP32 = 0x00F01D83
)

func tableEntry(typ, sub uint8, off, size uint32, label string) []byte {
	e := make([]byte, 32)
	e[0], e[1] = 0xAA, 0x50
	e[2], e[3] = typ, sub
	binary.LittleEndian.PutUint32(e[4:], off)
	binary.LittleEndian.PutUint32(e[8:], size)
	copy(e[12:28], label)
	return e
}

// appImage builds a one-segment image whose first segment starts with an
// app descriptor, and appends a SHA-256 of its own bytes.
func appImage(elf [32]byte) (img []byte, digest [32]byte) {
	seg := make([]byte, 256)
	binary.LittleEndian.PutUint32(seg[0:], 0xABCD5432)
	copy(seg[16:], "1.0.0")
	copy(seg[48:], "paccor-app")
	copy(seg[144:], elf[:])

	hdr := make([]byte, 24)
	hdr[0], hdr[1] = 0xE9, 1
	hdr[23] = 1
	img = append(img, hdr...)
	sh := make([]byte, 8)
	binary.LittleEndian.PutUint32(sh[0:], 0x3C000020)
	binary.LittleEndian.PutUint32(sh[4:], uint32(len(seg)))
	img = append(img, sh...)
	img = append(img, seg...)
	// 24+8+256 = 288; pad so the checksum ends a 16-byte block
	img = append(img, make([]byte, 16)...)
	digest = sha256.Sum256(img)
	img = append(img, digest[:]...)
	return img, digest
}

func withTable(f *fakeLoader) (appDigest, elf [32]byte) {
	var t []byte
	t = append(t, tableEntry(partition.TypeData, partition.SubtypeNVS, 0x9000, 0x5000, "nvs")...)
	t = append(t, tableEntry(partition.TypeData, partition.SubtypeOTAData, 0xE000, 0x2000, "otadata")...)
	t = append(t, tableEntry(partition.TypeData, partition.SubtypePHY, 0x10000, 0x1000, "phy_init")...)
	t = append(t, tableEntry(partition.TypeApp, partition.SubtypeFactory, 0x20000, 0x10000, "factory")...)
	t = append(t, tableEntry(partition.TypeApp, partition.SubtypeOTA0, 0x30000, 0x10000, "ota_0")...)
	copy(f.flash[0x8000:], t)

	for i := range elf {
		elf[i] = byte(0xA0 + i)
	}
	img, digest := appImage(elf)
	copy(f.flash[0x20000:], img)

	// one active NVS page with 7 written entries
	page := f.flash[0x9000:]
	binary.LittleEndian.PutUint32(page[0:], partition.PageActive)
	for i := 0; i < 7; i++ {
		shift := uint(i%4) * 2
		page[32+i/4] = page[32+i/4]&^(0x3<<shift) | 0x2<<shift
	}
	return digest, elf
}

func TestDetect(t *testing.T) {
	for _, tt := range []struct {
		magic  uint32
		target string
	}{
		{magicC3, protocol.TargetESP32C3},
		{0x4361606F, protocol.TargetESP32C3},
		{magicESP32, protocol.TargetESP32},
	} {
		d, err := Detect(newFakeLoader(tt.magic))
		if err != nil {
			t.Fatalf("Detect(0x%08X): %v", tt.magic, err)
		}
		if d.Target() != tt.target {
			t.Errorf("Detect(0x%08X) = %s, want %s", tt.magic, d.Target(), tt.target)
		}
	}

	if _, err := Detect(newFakeLoader(0x12345678)); err == nil {
		t.Error("expected error for unknown magic")
	}
	if _, err := NewDevice(newFakeLoader(0), "esp8266"); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestRawMAC(t *testing.T) {
	f := newFakeLoader(magicC3)
	f.regs[esp32c3EfuseBase+0x44] = 0xBEEF00FE
	f.regs[esp32c3EfuseBase+0x48] = 0x1234DEAD // upper half holds unrelated fields
	d, _ := Detect(f)

	tests := []struct {
		kind MACKind
		want [6]byte
	}{
		{MACBase, [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0xFE}},
		{MACWiFiSTA, [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0xFE}},
		{MACBluetooth, [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x00}},
		{MACEthernet, [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			got, err := d.RawMAC(tt.kind)
			if err != nil {
				t.Fatalf("RawMAC: %v", err)
			}
			if got != tt.want {
				t.Errorf("RawMAC = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestRawMAC_ESP32(t *testing.T) {
	f := newFakeLoader(magicESP32)
	f.regs[esp32EfuseBase+0x04] = 0x33445566
	f.regs[esp32EfuseBase+0x08] = 0x00001122
	d, _ := Detect(f)

	got, err := d.RawMAC(MACBluetooth)
	if err != nil {
		t.Fatalf("RawMAC: %v", err)
	}
	if want := [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x68}; got != want {
		t.Errorf("RawMAC = % x, want % x", got, want)
	}

	f.regs[esp32EfuseWord3] = esp32DisBT
	if _, err := d.RawMAC(MACBluetooth); !errors.Is(err, ErrHardwareUnavailable) {
		t.Errorf("expected ErrHardwareUnavailable, got %v", err)
	}
	if _, err := d.RawMAC(MACWiFiSTA); err != nil {
		t.Errorf("wifi mac should not depend on bluetooth: %v", err)
	}
}

func TestRawMAC_ReadError(t *testing.T) {
	f := newFakeLoader(magicC3)
	f.failReg = esp32c3EfuseBase + 0x48
	d, _ := Detect(f)
	if _, err := d.RawMAC(MACBase); err == nil {
		t.Error("expected register read error")
	}
}

func TestChipDescriptor_C3(t *testing.T) {
	f := newFakeLoader(magicC3)
	f.regs[esp32c3EfuseWord3] = 1<<21 | 3<<18
	d, _ := Detect(f)

	c, err := d.ChipDescriptor()
	if err != nil {
		t.Fatalf("ChipDescriptor: %v", err)
	}
	if c.Model != "esp32c3" || c.Cores != 1 {
		t.Errorf("got %+v", c)
	}
	if want := FeatureEmbeddedFlash | FeatureWiFiBGN | FeatureBLE; c.Features != want {
		t.Errorf("Features = %b, want %b", c.Features, want)
	}
	if c.MajorRevision() != 0 || c.MinorRevision() != 3 {
		t.Errorf("revision = v%d.%d, want v0.3", c.MajorRevision(), c.MinorRevision())
	}
}

func TestChipDescriptor_ESP32(t *testing.T) {
	tests := []struct {
		name     string
		w3, w5   uint32
		date     uint32
		cores    int
		features Features
		rev      int
	}{
		{"rev0 dual core", 0, 0, 0, 2, FeatureWiFiBGN | FeatureBLE | FeatureBT, 0},
		{"rev1", esp32Rev1, 0, 0, 2, FeatureWiFiBGN | FeatureBLE | FeatureBT, 100},
		{"rev2 single core", esp32Rev1 | esp32DisAppCPU, esp32Rev2, 0, 1, FeatureWiFiBGN | FeatureBLE | FeatureBT, 200},
		{"rev3 no bt", esp32Rev1 | esp32DisBT, esp32Rev2, esp32Rev3, 2, FeatureWiFiBGN, 300},
		{"pico d4", 5 << 9, 0, 0, 2, FeatureWiFiBGN | FeatureBLE | FeatureBT | FeatureEmbeddedFlash, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeLoader(magicESP32)
			f.regs[esp32EfuseWord3] = tt.w3
			f.regs[esp32EfuseWord5] = tt.w5
			f.regs[esp32APBDate] = tt.date
			d, _ := Detect(f)

			c, err := d.ChipDescriptor()
			if err != nil {
				t.Fatalf("ChipDescriptor: %v", err)
			}
			if c.Cores != tt.cores || c.Features != tt.features || c.Revision != tt.rev {
				t.Errorf("got %+v, want cores=%d features=%b rev=%d", c, tt.cores, tt.features, tt.rev)
			}
		})
	}
}

func TestChipDescriptor_ToolchainPrefix(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"esp32", "xtensa-esp32-elf-"},
		{"esp32s3", "xtensa-esp32s3-elf-"},
		{"esp32c3", "riscv32-esp-elf-"},
		{"esp8266", ""},
	}
	for _, tt := range tests {
		if got := (ChipDescriptor{Model: tt.model}).ToolchainPrefix(); got != tt.want {
			t.Errorf("ToolchainPrefix(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestFlashDescriptor(t *testing.T) {
	f := newFakeLoader(magicC3)
	f.id = [3]byte{0x20, 0x40, 0x16}
	f.uid = [8]byte{0xE4, 0x63, 0x0C, 0x12, 0x34, 0x56, 0x78, 0x9A}
	d, _ := Detect(f)

	fd, err := d.FlashDescriptor()
	if err != nil {
		t.Fatalf("FlashDescriptor: %v", err)
	}
	if fd.ChipID != 0x00204016 {
		t.Errorf("ChipID = 0x%08X, want 0x00204016", fd.ChipID)
	}
	if fd.UniqueID != 0xE4630C123456789A {
		t.Errorf("UniqueID = 0x%016X", fd.UniqueID)
	}
	if fd.SizeBytes != 4<<20 {
		t.Errorf("SizeBytes = %d, want %d", fd.SizeBytes, 4<<20)
	}
}

func TestFirstPartition(t *testing.T) {
	f := newFakeLoader(magicC3)
	withTable(f)
	d, _ := Detect(f)

	p, err := d.FirstPartition()
	if err != nil {
		t.Fatalf("FirstPartition: %v", err)
	}
	if p.Label != "nvs" || p.Offset != 0x9000 || p.Size != 0x5000 {
		t.Errorf("got %+v", p)
	}
}

func TestFirstPartition_Erased(t *testing.T) {
	d, _ := Detect(newFakeLoader(magicC3))
	if _, err := d.FirstPartition(); err == nil {
		t.Error("expected error for erased partition table")
	}
}

func TestPartitionDigest_RunningApp(t *testing.T) {
	f := newFakeLoader(magicC3)
	want, _ := withTable(f)
	d, _ := Detect(f)

	got, err := d.PartitionDigest(SelectRunningApp)
	if err != nil {
		t.Fatalf("PartitionDigest: %v", err)
	}
	if got != want {
		t.Errorf("digest = %x, want %x", got, want)
	}
}

func TestPartitionDigest_Bootloader(t *testing.T) {
	for _, tt := range []struct {
		magic      uint32
		start, end int
	}{
		{magicC3, 0x0, 0x8000},
		{magicESP32, 0x1000, 0x8000},
	} {
		f := newFakeLoader(tt.magic)
		withTable(f)
		for i := tt.start; i < tt.end; i++ {
			f.flash[i] = byte(i * 7)
		}
		d, _ := Detect(f)

		var last, total int
		d.Progress = func(label string, current, n int) {
			last, total = current, n
		}

		got, err := d.PartitionDigest(SelectBootloader)
		if err != nil {
			t.Fatalf("PartitionDigest: %v", err)
		}
		if want := sha256.Sum256(f.flash[tt.start:tt.end]); got != want {
			t.Errorf("%s: digest = %x, want %x", d.Target(), got, want)
		}
		if last != tt.end-tt.start || total != tt.end-tt.start {
			t.Errorf("%s: progress = %d/%d", d.Target(), last, total)
		}
	}
}

func TestPartitionDigest_CorruptRead(t *testing.T) {
	f := newFakeLoader(magicC3)
	f.badMD5 = true
	d, _ := Detect(f)
	if _, err := d.PartitionDigest(SelectBootloader); err == nil {
		t.Error("expected MD5 mismatch error")
	}
}

func TestPartitionDigest_Label(t *testing.T) {
	f := newFakeLoader(magicC3)
	withTable(f)
	d, _ := Detect(f)

	got, err := d.PartitionDigest(SelectLabel("phy_init"))
	if err != nil {
		t.Fatalf("PartitionDigest: %v", err)
	}
	if want := sha256.Sum256(f.flash[0x10000:0x11000]); got != want {
		t.Errorf("digest = %x, want %x", got, want)
	}

	if _, err := d.PartitionDigest(SelectLabel("missing")); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("expected ErrPartitionNotFound, got %v", err)
	}
}

func TestELFDigest(t *testing.T) {
	f := newFakeLoader(magicC3)
	_, elf := withTable(f)
	d, _ := Detect(f)

	got, err := d.ELFDigest()
	if err != nil {
		t.Fatalf("ELFDigest: %v", err)
	}
	if got != elf {
		t.Errorf("ELFDigest = %x, want %x", got, elf)
	}
}

func TestStorageStats(t *testing.T) {
	f := newFakeLoader(magicC3)
	withTable(f)
	d, _ := Detect(f)

	st, err := d.StorageStats()
	if err != nil {
		t.Fatalf("StorageStats: %v", err)
	}
	want := StorageStats{UsedEntries: 7, FreeEntries: 5*126 - 7, TotalEntries: 5 * 126}
	if st != want {
		t.Errorf("StorageStats = %+v, want %+v", st, want)
	}
}

func TestSecureBootDigest(t *testing.T) {
	t.Run("c3 provisioned", func(t *testing.T) {
		f := newFakeLoader(magicC3)
		f.secInfo = &protocol.SecurityInfo{KeyPurposes: [7]uint8{4, 0, 9}}
		key2 := uint32(esp32c3KeyBlock0 + 2*esp32c3KeyBlockLen)
		f.regs[key2] = 0x04030201
		f.regs[key2+28] = 0xDDCCBBAA
		d, _ := Detect(f)

		got, err := d.SecureBootDigest()
		if err != nil {
			t.Fatalf("SecureBootDigest: %v", err)
		}
		if got[0] != 0x01 || got[3] != 0x04 || got[28] != 0xAA || got[31] != 0xDD {
			t.Errorf("digest = %x", got)
		}
	})

	t.Run("c3 not provisioned", func(t *testing.T) {
		f := newFakeLoader(magicC3)
		f.secInfo = &protocol.SecurityInfo{}
		d, _ := Detect(f)

		got, err := d.SecureBootDigest()
		if err != nil {
			t.Fatalf("SecureBootDigest: %v", err)
		}
		if got != [32]byte{} {
			t.Errorf("digest = %x, want zeros", got)
		}
	})

	t.Run("c3 security info unsupported", func(t *testing.T) {
		d, _ := Detect(newFakeLoader(magicC3))
		if _, err := d.SecureBootDigest(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("esp32 blk2", func(t *testing.T) {
		f := newFakeLoader(magicESP32)
		f.regs[esp32EfuseBlk2+4] = 0x000000FF
		d, _ := Detect(f)

		got, err := d.SecureBootDigest()
		if err != nil {
			t.Fatalf("SecureBootDigest: %v", err)
		}
		if got[4] != 0xFF || got[0] != 0 {
			t.Errorf("digest = %x", got)
		}
	})
}

func TestGPIO(t *testing.T) {
	f := newFakeLoader(magicESP32)
	f.regs[0x3FF4403C] = 1<<5 | 1<<20
	f.regs[0x3FF44040] = 1 << 1
	d, _ := Detect(f)

	if d.GPIOPinCount() != 40 {
		t.Errorf("GPIOPinCount = %d", d.GPIOPinCount())
	}
	for _, pin := range []int{-1, 20, 24, 28, 31, 40} {
		if d.GPIOValid(pin) {
			t.Errorf("GPIOValid(%d) = true", pin)
		}
	}
	for _, pin := range []int{0, 19, 21, 32, 39} {
		if !d.GPIOValid(pin) {
			t.Errorf("GPIOValid(%d) = false", pin)
		}
	}

	levels := map[int]bool{5: true, 6: false, 20: false, 33: true, 34: false}
	for pin, want := range levels {
		got, err := d.GPIOLevel(pin)
		if err != nil {
			t.Fatalf("GPIOLevel(%d): %v", pin, err)
		}
		if got != want {
			t.Errorf("GPIOLevel(%d) = %v, want %v", pin, got, want)
		}
	}
}

func TestGPIO_C3(t *testing.T) {
	d, _ := Detect(newFakeLoader(magicC3))
	if d.GPIOPinCount() != 22 {
		t.Errorf("GPIOPinCount = %d", d.GPIOPinCount())
	}
	for pin := 0; pin < 22; pin++ {
		if !d.GPIOValid(pin) {
			t.Errorf("GPIOValid(%d) = false", pin)
		}
	}
	if d.GPIOValid(22) {
		t.Error("GPIOValid(22) = true")
	}
}

func TestFactoryInfo(t *testing.T) {
	d, _ := Detect(newFakeLoader(magicC3))
	want := FactoryInfo{
		Manufacturer: "ESPRESSIF",
		ModelNumber:  "esp32c3",
		ModelName:    "ESPRESSIF IOT",
		DeviceName:   "ESP DEVICE",
	}
	if got := d.FactoryInfo(); got != want {
		t.Errorf("FactoryInfo = %+v", got)
	}
}
