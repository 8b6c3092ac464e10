// Package collect runs the device identity diagnostics in a fixed order and
// writes them as a log stream.
package collect

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/thomasgruebl/paccor4esp/internal/fingerprint"
	"github.com/thomasgruebl/paccor4esp/internal/hardware"
	"github.com/thomasgruebl/paccor4esp/internal/partition"
)

// Log tags read back by the component list parser.
const (
	TagSnapshot   = "SNAPSHOT"
	TagBaseMAC    = "BASE_MAC"
	TagEthMAC     = "ETH_MAC"
	TagWiFiMAC    = "WIFI_STA MAC"
	TagBTMAC      = "BLUETOOTH_MAC"
	TagChipID     = "CHIP_ID"
	TagFlashUID   = "UNIQUE_FLASH_CHIP_ID"
	TagFlashMfg   = "FLASH_MANUFACTURER_ID"
	TagFlashSize  = "FLASH_SIZE"
	TagFirmware   = "Firmware partition SHA256 checksum"
	TagBootloader = "Bootloader partition SHA256 checksum"
	TagELF        = "ELF SHA256 checksum"
	TagSecureBoot = "SECURE_BOOT"
)

// Snapshot holds everything one run collected.
type Snapshot struct {
	ID uuid.UUID

	FirstPartition partition.Partition
	Storage        hardware.StorageStats

	BaseMAC      [6]byte
	EthernetMAC  [6]byte
	WiFiMAC      [6]byte
	BluetoothMAC [6]byte

	Chip             hardware.ChipDescriptor
	Flash            hardware.FlashDescriptor
	ManufacturerCode uint8

	FirmwareDigest   [32]byte
	BootloaderDigest [32]byte
	ELFDigest        [32]byte
	SecureBootDigest [32]byte

	GPIOValid  []bool
	GPIOLevels []bool

	Factory hardware.FactoryInfo
}

type step struct {
	name string
	run  func(hw hardware.Collaborator, em *Emitter, s *Snapshot) error
}

var steps = []step{
	{"first partition", firstPartition},
	{"nvs stats", nvsStats},
	{"base mac", macStep(hardware.MACBase, TagBaseMAC, func(s *Snapshot) *[6]byte { return &s.BaseMAC })},
	{"ethernet mac", macStep(hardware.MACEthernet, TagEthMAC, func(s *Snapshot) *[6]byte { return &s.EthernetMAC })},
	{"wifi mac", macStep(hardware.MACWiFiSTA, TagWiFiMAC, func(s *Snapshot) *[6]byte { return &s.WiFiMAC })},
	{"bluetooth mac", macStep(hardware.MACBluetooth, TagBTMAC, func(s *Snapshot) *[6]byte { return &s.BluetoothMAC })},
	{"chip info", chipInfo},
	{"flash info", flashInfo},
	{"firmware digest", firmwareDigest},
	{"bootloader digest", bootloaderDigest},
	{"elf digest", elfDigest},
	{"gpio", gpioInfo},
	{"factory info", factoryInfo},
	{"secure boot digest", secureBootDigest},
}

// StepNames lists the diagnostics in execution order.
func StepNames() []string {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.name
	}
	return names
}

// Run executes every diagnostic in order. The first failure stops the run:
// nothing after the failing step is emitted and the error names the step.
func Run(ctx context.Context, hw hardware.Collaborator, em *Emitter) (*Snapshot, error) {
	s := &Snapshot{ID: uuid.New()}
	em.Info(TagSnapshot, "id %s", s.ID)

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}
		if err := st.run(hw, em, s); err != nil {
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}
		if err := em.Err(); err != nil {
			return nil, fmt.Errorf("write log: %w", err)
		}
	}
	return s, nil
}

func firstPartition(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	p, err := hw.FirstPartition()
	if err != nil {
		return err
	}
	s.FirstPartition = p
	em.Info("First partition", "Partition size: %d, Partition label: %s", p.Size, p.Label)
	return nil
}

func nvsStats(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	st, err := hw.StorageStats()
	if err != nil {
		return err
	}
	s.Storage = st
	em.Info("NVS", "Stats: Count: UsedEntries = (%d), FreeEntries = (%d), AllEntries = (%d)",
		st.UsedEntries, st.FreeEntries, st.TotalEntries)
	return nil
}

func macStep(kind hardware.MACKind, tag string, field func(*Snapshot) *[6]byte) func(hardware.Collaborator, *Emitter, *Snapshot) error {
	return func(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
		mac, err := hw.RawMAC(kind)
		if err != nil {
			return err
		}
		*field(s) = mac
		em.Info(tag, "%s", fingerprint.FormatMAC(mac))
		return nil
	}
}

// featureString renders radio features the way the SDK example prints them:
// "WiFi/" then "BT" and "BLE" without a separator.
func featureString(f hardware.Features) string {
	var b strings.Builder
	if f.Has(hardware.FeatureWiFiBGN) {
		b.WriteString("WiFi/")
	}
	if f.Has(hardware.FeatureBT) {
		b.WriteString("BT")
	}
	if f.Has(hardware.FeatureBLE) {
		b.WriteString("BLE")
	}
	if f.Has(hardware.FeatureIEEE802154) {
		b.WriteString(", 802.15.4 (Zigbee/Thread)")
	}
	return b.String()
}

func chipInfo(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	c, err := hw.ChipDescriptor()
	if err != nil {
		return err
	}
	s.Chip = c
	em.Printf("Platform Model: %s ; Chip with %d CPU core(s), %s, silicon revision v%d.%d,",
		c.Model, c.Cores, featureString(c.Features), c.MajorRevision(), c.MinorRevision())
	if prefix := c.ToolchainPrefix(); prefix != "" {
		em.Printf("Toolchain: --toolchain-prefix %s", prefix)
	}
	return nil
}

func flashInfo(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	fd, err := hw.FlashDescriptor()
	if err != nil {
		return err
	}
	s.Flash = fd
	s.ManufacturerCode = fingerprint.ManufacturerCode(fd.ChipID)

	kind := "external"
	if s.Chip.Features.Has(hardware.FeatureEmbeddedFlash) {
		kind = "embedded"
	}
	em.Info(TagChipID, "%d", fd.ChipID)
	em.Info(TagFlashUID, "%d", fd.UniqueID)
	em.Info(TagFlashMfg, "%d", s.ManufacturerCode)
	em.Info(TagFlashSize, "%dMB %s flash", fd.SizeBytes/(1024*1024), kind)
	return nil
}

func firmwareDigest(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	d, err := hw.PartitionDigest(hardware.SelectRunningApp)
	if err != nil {
		return err
	}
	s.FirmwareDigest = d
	em.Info(TagFirmware, "%s", fingerprint.FormatDigest(d))
	return nil
}

func bootloaderDigest(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	d, err := hw.PartitionDigest(hardware.SelectBootloader)
	if err != nil {
		return err
	}
	s.BootloaderDigest = d
	em.Info(TagBootloader, "%s", fingerprint.FormatDigest(d))
	return nil
}

func elfDigest(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	d, err := hw.ELFDigest()
	if err != nil {
		return err
	}
	s.ELFDigest = d
	em.Info(TagELF, "%s", fingerprint.FormatDigest(d))
	return nil
}

func bits(v []bool) string {
	parts := make([]string, len(v))
	for i, b := range v {
		parts[i] = "0"
		if b {
			parts[i] = "1"
		}
	}
	return strings.Join(parts, ", ")
}

func gpioInfo(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	n := hw.GPIOPinCount()
	s.GPIOValid = make([]bool, n)
	s.GPIOLevels = make([]bool, n)
	for pin := 0; pin < n; pin++ {
		s.GPIOValid[pin] = hw.GPIOValid(pin)
		level, err := hw.GPIOLevel(pin)
		if err != nil {
			return fmt.Errorf("pin %d: %w", pin, err)
		}
		s.GPIOLevels[pin] = level
	}

	em.Info("GPIO PIN COUNT", "%d", n)
	em.Printf("GPIO VALID PINS: %s", bits(s.GPIOValid))
	em.Printf("GPIO PIN LEVELS: %s", bits(s.GPIOLevels))
	return nil
}

func factoryInfo(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	f := hw.FactoryInfo()
	s.Factory = f
	em.Info("Factory Info", "Manufacturer info: ")
	em.Info("Factory Info", "Manufacturer: %s", f.Manufacturer)
	em.Info("Factory Info", "Model Number: %s", f.ModelNumber)
	em.Info("Factory Info", "Model Name: %s", f.ModelName)
	em.Info("Factory Info", "Device Name: %s", f.DeviceName)
	return nil
}

func secureBootDigest(hw hardware.Collaborator, em *Emitter, s *Snapshot) error {
	d, err := hw.SecureBootDigest()
	if err != nil {
		return err
	}
	s.SecureBootDigest = d
	em.Info(TagSecureBoot, "Secure Boot V2 RSA-PSS SHA-256 checksum: %s", fingerprint.FormatDigest(d))
	return nil
}
