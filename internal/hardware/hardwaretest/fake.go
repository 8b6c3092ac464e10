// Package hardwaretest provides an in-memory hardware.Collaborator.
package hardwaretest

import (
	"github.com/thomasgruebl/paccor4esp/internal/hardware"
	"github.com/thomasgruebl/paccor4esp/internal/partition"
)

// Fake is a Collaborator with settable values. Errs maps a method name, for
// example "RawMAC" or "PartitionDigest", to the error that method returns.
type Fake struct {
	MACs       map[hardware.MACKind][6]byte
	Chip       hardware.ChipDescriptor
	Flash      hardware.FlashDescriptor
	Partition  partition.Partition
	Digests    map[hardware.PartitionSelector][32]byte
	ELF        [32]byte
	SecureBoot [32]byte
	PinCount   int
	Invalid    map[int]bool
	Levels     map[int]bool
	Storage    hardware.StorageStats
	Factory    hardware.FactoryInfo

	Errs map[string]error
	// Calls records method names in call order.
	Calls []string
}

// New returns a Fake describing a plausible ESP32-C3.
func New() *Fake {
	return &Fake{
		MACs: map[hardware.MACKind][6]byte{
			hardware.MACBase:      {0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01},
			hardware.MACWiFiSTA:   {0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01},
			hardware.MACBluetooth: {0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x03},
			hardware.MACEthernet:  {0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x04},
		},
		Chip: hardware.ChipDescriptor{
			Model:    "esp32c3",
			Cores:    1,
			Features: hardware.FeatureWiFiBGN | hardware.FeatureBLE,
			Revision: 3,
		},
		Flash: hardware.FlashDescriptor{
			ChipID:    0x00204016,
			UniqueID:  0xE4630C123456789A,
			SizeBytes: 4 << 20,
		},
		Partition: partition.Partition{
			Type:    partition.TypeData,
			Subtype: partition.SubtypeNVS,
			Offset:  0x9000,
			Size:    0x6000,
			Label:   "nvs",
		},
		Digests:  map[hardware.PartitionSelector][32]byte{},
		PinCount: 22,
		Invalid:  map[int]bool{},
		Levels:   map[int]bool{},
		Storage: hardware.StorageStats{
			UsedEntries:  20,
			FreeEntries:  736,
			TotalEntries: 756,
		},
		Factory: hardware.DefaultFactoryInfo("esp32c3"),
		Errs:    map[string]error{},
	}
}

func (f *Fake) call(name string) error {
	f.Calls = append(f.Calls, name)
	return f.Errs[name]
}

func (f *Fake) RawMAC(kind hardware.MACKind) ([6]byte, error) {
	if err := f.call("RawMAC"); err != nil {
		return [6]byte{}, err
	}
	if err := f.Errs["RawMAC:"+kind.String()]; err != nil {
		return [6]byte{}, err
	}
	return f.MACs[kind], nil
}

func (f *Fake) ChipDescriptor() (hardware.ChipDescriptor, error) {
	return f.Chip, f.call("ChipDescriptor")
}

func (f *Fake) FlashDescriptor() (hardware.FlashDescriptor, error) {
	return f.Flash, f.call("FlashDescriptor")
}

func (f *Fake) FirstPartition() (partition.Partition, error) {
	return f.Partition, f.call("FirstPartition")
}

func (f *Fake) PartitionDigest(sel hardware.PartitionSelector) ([32]byte, error) {
	if err := f.call("PartitionDigest"); err != nil {
		return [32]byte{}, err
	}
	return f.Digests[sel], nil
}

func (f *Fake) ELFDigest() ([32]byte, error) {
	return f.ELF, f.call("ELFDigest")
}

func (f *Fake) SecureBootDigest() ([32]byte, error) {
	return f.SecureBoot, f.call("SecureBootDigest")
}

func (f *Fake) GPIOPinCount() int { return f.PinCount }

func (f *Fake) GPIOValid(pin int) bool {
	return pin >= 0 && pin < f.PinCount && !f.Invalid[pin]
}

func (f *Fake) GPIOLevel(pin int) (bool, error) {
	return f.Levels[pin], f.call("GPIOLevel")
}

func (f *Fake) StorageStats() (hardware.StorageStats, error) {
	return f.Storage, f.call("StorageStats")
}

func (f *Fake) FactoryInfo() hardware.FactoryInfo {
	f.Calls = append(f.Calls, "FactoryInfo")
	return f.Factory
}

var _ hardware.Collaborator = (*Fake)(nil)
