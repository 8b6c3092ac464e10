// Package hardware defines the device collaborator that supplies raw
// identity data, and implements it against a chip in ROM download mode.
package hardware

import (
	"errors"
	"fmt"

	"github.com/thomasgruebl/paccor4esp/internal/partition"
)

var (
	// ErrHardwareUnavailable means the requested peripheral or interface is
	// not present or not enabled on the chip.
	ErrHardwareUnavailable = errors.New("hardware unavailable")

	// ErrPartitionNotFound means no partition matches the selector.
	ErrPartitionNotFound = errors.New("partition not found")
)

// MACKind selects an address family.
type MACKind int

const (
	MACBase MACKind = iota
	MACEthernet
	MACWiFiSTA
	MACBluetooth
)

func (k MACKind) String() string {
	switch k {
	case MACBase:
		return "base"
	case MACEthernet:
		return "ethernet"
	case MACWiFiSTA:
		return "wifi-sta"
	case MACBluetooth:
		return "bluetooth"
	default:
		return fmt.Sprintf("mac(%d)", int(k))
	}
}

// Features mirrors the SDK chip feature bits.
type Features uint32

const (
	FeatureEmbeddedFlash Features = 1 << 0
	FeatureWiFiBGN       Features = 1 << 1
	FeatureBLE           Features = 1 << 4
	FeatureBT            Features = 1 << 5
	FeatureIEEE802154    Features = 1 << 6
)

// Has reports whether all bits of f2 are set.
func (f Features) Has(f2 Features) bool {
	return f&f2 == f2
}

// ChipDescriptor describes the SoC.
type ChipDescriptor struct {
	Model    string // target name, e.g. "esp32c3"
	Cores    int
	Features Features
	// Revision is major*100 + minor.
	Revision int
}

// MajorRevision returns the silicon major revision.
func (c ChipDescriptor) MajorRevision() int { return c.Revision / 100 }

// MinorRevision returns the silicon minor revision.
func (c ChipDescriptor) MinorRevision() int { return c.Revision % 100 }

// ToolchainPrefix returns the cross toolchain prefix that builds firmware for
// the chip, or "" for an unknown model.
func (c ChipDescriptor) ToolchainPrefix() string {
	switch c.Model {
	case "esp32", "esp32s2", "esp32s3":
		return "xtensa-" + c.Model + "-elf-"
	case "esp32c2", "esp32c3", "esp32c6", "esp32h2":
		return "riscv32-esp-elf-"
	}
	return ""
}

// FlashDescriptor describes the attached SPI flash.
type FlashDescriptor struct {
	// ChipID carries manufacturer, memory type and capacity in bits 23..0.
	ChipID    uint32
	UniqueID  uint64
	SizeBytes uint32
}

// StorageStats counts NVS entries.
type StorageStats struct {
	UsedEntries  uint32
	FreeEntries  uint32
	TotalEntries uint32
}

// FactoryInfo is the WPS factory information compiled into the firmware.
type FactoryInfo struct {
	Manufacturer string
	ModelNumber  string
	ModelName    string
	DeviceName   string
}

// DefaultFactoryInfo returns the SDK's WPS factory defaults for target.
func DefaultFactoryInfo(target string) FactoryInfo {
	return FactoryInfo{
		Manufacturer: "ESPRESSIF",
		ModelNumber:  target,
		ModelName:    "ESPRESSIF IOT",
		DeviceName:   "ESP DEVICE",
	}
}

type selectorKind int

const (
	selectBootloader selectorKind = iota
	selectRunningApp
	selectLabel
)

// PartitionSelector picks the flash region to digest.
type PartitionSelector struct {
	kind  selectorKind
	label string
}

var (
	// SelectBootloader is the second-stage bootloader region.
	SelectBootloader = PartitionSelector{kind: selectBootloader}
	// SelectRunningApp is the application the bootloader starts.
	SelectRunningApp = PartitionSelector{kind: selectRunningApp}
)

// SelectLabel selects a partition by its table label.
func SelectLabel(label string) PartitionSelector {
	return PartitionSelector{kind: selectLabel, label: label}
}

func (s PartitionSelector) String() string {
	switch s.kind {
	case selectBootloader:
		return "bootloader"
	case selectRunningApp:
		return "running app"
	default:
		return fmt.Sprintf("partition %q", s.label)
	}
}

// Collaborator supplies raw identity data from a device.
type Collaborator interface {
	RawMAC(kind MACKind) ([6]byte, error)
	ChipDescriptor() (ChipDescriptor, error)
	FlashDescriptor() (FlashDescriptor, error)
	FirstPartition() (partition.Partition, error)
	PartitionDigest(sel PartitionSelector) ([32]byte, error)
	ELFDigest() ([32]byte, error)
	SecureBootDigest() ([32]byte, error)
	GPIOPinCount() int
	GPIOValid(pin int) bool
	GPIOLevel(pin int) (bool, error)
	StorageStats() (StorageStats, error)
	FactoryInfo() FactoryInfo
}
