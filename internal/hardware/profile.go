package hardware

import (
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/thomasgruebl/paccor4esp/internal/loader"
	"github.com/thomasgruebl/paccor4esp/internal/protocol"
)

// profile holds the register map and fixed properties of one target.
type profile struct {
	target string

	efuseMAC [2]uint32 // low word (MAC bytes 2..5), high word (bytes 0..1)
	spi      loader.SPIRegisters

	gpioIn    []uint32 // input registers for pins 0..31, 32..63
	pinCount  int
	validPins uint64

	bootloaderOffset uint32
	bootloaderSize   uint32

	chip          func(d *Device) (ChipDescriptor, error)
	bluetooth     func(d *Device) (bool, error)
	secureBootKey func(d *Device) (uint32, bool, error)
}

const (
	esp32c3EfuseBase   = 0x60008800
	esp32c3EfuseWord3  = esp32c3EfuseBase + 0x50
	esp32c3KeyBlock0   = esp32c3EfuseBase + 0x9C
	esp32c3KeyBlockLen = 0x20
	esp32c3KeyBlocks   = 6

	esp32EfuseBase  = 0x3FF5A000
	esp32EfuseWord3 = esp32EfuseBase + 0x0C
	esp32EfuseWord5 = esp32EfuseBase + 0x14
	esp32EfuseBlk2  = esp32EfuseBase + 0x58
	esp32APBDate    = 0x3FF6607C
)

// Key purposes that hold a secure boot v2 digest.
const (
	keyPurposeSecureBootDigest0 = 9
	keyPurposeSecureBootDigest2 = 11
)

var profiles = map[string]*profile{
	protocol.TargetESP32C3: {
		target:   protocol.TargetESP32C3,
		efuseMAC: [2]uint32{esp32c3EfuseBase + 0x44, esp32c3EfuseBase + 0x48},
		spi: loader.SPIRegisters{
			Base:     0x60002000,
			Usr:      0x18,
			Usr1:     0x1C,
			Usr2:     0x20,
			MOSIDlen: 0x24,
			MISODlen: 0x28,
			W0:       0x58,
		},
		gpioIn:           []uint32{0x6000403C},
		pinCount:         22,
		validPins:        1<<22 - 1,
		bootloaderOffset: 0x0,
		bootloaderSize:   0x8000,
		chip:             esp32c3Chip,
		bluetooth:        func(*Device) (bool, error) { return true, nil },
		secureBootKey:    esp32c3SecureBootKey,
	},
	protocol.TargetESP32: {
		target:   protocol.TargetESP32,
		efuseMAC: [2]uint32{esp32EfuseBase + 0x04, esp32EfuseBase + 0x08},
		spi: loader.SPIRegisters{
			Base:     0x3FF42000,
			Usr:      0x1C,
			Usr1:     0x20,
			Usr2:     0x24,
			MOSIDlen: 0x28,
			MISODlen: 0x2C,
			W0:       0x80,
		},
		gpioIn:   []uint32{0x3FF4403C, 0x3FF44040},
		pinCount: 40,
		// 20, 24 and 28..31 are not bonded out
		validPins: (1<<40 - 1) &^ (1<<20 | 1<<24 | 0xF<<28),
		// the ROM loads the second stage from 0x1000 on this target
		bootloaderOffset: 0x1000,
		bootloaderSize:   0x7000,
		chip:             esp32Chip,
		bluetooth:        esp32Bluetooth,
		secureBootKey:    func(*Device) (uint32, bool, error) { return esp32EfuseBlk2, true, nil },
	},
}

func lookupProfile(target string) (*profile, error) {
	p, ok := profiles[target]
	if !ok {
		return nil, errors.NotSupportedf("target %q", target)
	}
	return p, nil
}

func esp32c3Chip(d *Device) (ChipDescriptor, error) {
	w3, err := d.readReg(esp32c3EfuseWord3)
	if err != nil {
		return ChipDescriptor{}, err
	}
	pkg := (w3 >> 21) & 0x7
	rev := (w3 >> 18) & 0x7

	features := FeatureWiFiBGN | FeatureBLE
	// ESP8685 packages carry the flash die in the package
	if pkg == 1 || pkg == 3 {
		features |= FeatureEmbeddedFlash
	}
	return ChipDescriptor{
		Model:    protocol.TargetESP32C3,
		Cores:    1,
		Features: features,
		Revision: int(rev),
	}, nil
}

func esp32c3SecureBootKey(d *Device) (uint32, bool, error) {
	info, err := d.securityInfo()
	if err != nil {
		return 0, false, err
	}
	for i := 0; i < esp32c3KeyBlocks; i++ {
		p := info.KeyPurposes[i]
		if p >= keyPurposeSecureBootDigest0 && p <= keyPurposeSecureBootDigest2 {
			return esp32c3KeyBlock0 + uint32(i)*esp32c3KeyBlockLen, true, nil
		}
	}
	return 0, false, nil
}

const (
	esp32DisAppCPU = 1 << 0
	esp32DisBT     = 1 << 1
	esp32Rev1      = 1 << 15
	esp32Rev2      = 1 << 20
	esp32Rev3      = 1 << 31
)

var esp32EmbeddedFlashPkgs = map[uint32]bool{
	2: true, // D2WD
	4: true, // PICO-D2
	5: true, // PICO-D4
	6: true, // PICO-V3-02
}

func esp32Chip(d *Device) (ChipDescriptor, error) {
	w3, err := d.readReg(esp32EfuseWord3)
	if err != nil {
		return ChipDescriptor{}, err
	}
	w5, err := d.readReg(esp32EfuseWord5)
	if err != nil {
		return ChipDescriptor{}, err
	}
	date, err := d.readReg(esp32APBDate)
	if err != nil {
		return ChipDescriptor{}, err
	}

	c := ChipDescriptor{
		Model:    protocol.TargetESP32,
		Cores:    2,
		Features: FeatureWiFiBGN | FeatureBLE | FeatureBT,
	}
	if w3&esp32DisAppCPU != 0 {
		c.Cores = 1
	}
	if w3&esp32DisBT != 0 {
		c.Features &^= FeatureBLE | FeatureBT
	}
	pkg := (w3>>9)&0x7 | ((w3>>2)&0x1)<<3
	if esp32EmbeddedFlashPkgs[pkg] {
		c.Features |= FeatureEmbeddedFlash
	}

	switch {
	case w3&esp32Rev1 == 0:
		c.Revision = 0
	case w5&esp32Rev2 == 0:
		c.Revision = 100
	case date&esp32Rev3 == 0:
		c.Revision = 200
	default:
		c.Revision = 300
	}
	return c, nil
}

func esp32Bluetooth(d *Device) (bool, error) {
	w3, err := d.readReg(esp32EfuseWord3)
	if err != nil {
		return false, err
	}
	return w3&esp32DisBT == 0, nil
}

// macFromWords assembles an eFuse MAC. The high word holds bytes 0..1 in its
// low half; the low word holds bytes 2..5, most significant first.
func macFromWords(lo, hi uint32) [6]byte {
	var mac [6]byte
	mac[0] = byte(hi >> 8)
	mac[1] = byte(hi)
	binary.BigEndian.PutUint32(mac[2:], lo)
	return mac
}
