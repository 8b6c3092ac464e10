// Package componentlist turns a device log stream into a PACCOR component
// list.
package componentlist

import (
	"regexp"
	"strings"
)

// NotSpecified fills every field the log does not carry.
const NotSpecified = "Not Specified"

// Data is every value extracted from a device log.
type Data struct {
	PlatformModel   string
	PlatformVersion string
	PlatformSerial  string // base MAC

	CPUManufacturer string
	CPUCores        string
	CPUFrequency    string
	CPUSerial       string
	CPURevision     string

	FlashManufacturer string
	FlashSize         string
	FlashSerial       string

	NICManufacturer string
	PHYVersion      string // "<num>,<hash>"
	EthernetMAC     string
	PHYRevision     string

	WiFiManufacturer  string
	WiFiFirmware      string
	WiFiMAC           string
	WiFiCertification string

	BTManufacturer   string
	BTCompileVersion string
	BTMAC            string

	FirmwareDigest   string
	BootloaderDigest string
	ELFDigest        string
	EFuseDigest      string

	GPIOValid  string
	GPIOLevels string

	SnapshotID string
}

const macPattern = `((?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2})`

var (
	reModelNumber  = regexp.MustCompile(`Model Number: (.*)`)
	reRevision     = regexp.MustCompile(`silicon revision (.*),`)
	reBaseMAC      = regexp.MustCompile(`BASE_MAC: ` + macPattern)
	reToolchain    = regexp.MustCompile(`--toolchain-prefix ([^-]*)`)
	reCores        = regexp.MustCompile(`Chip with ([^,]*)`)
	reCPUFreq      = regexp.MustCompile(`cpu freq: (.*) Hz`)
	reChipID       = regexp.MustCompile(`CHIP_ID: (.*)`)
	reFlashMfg     = regexp.MustCompile(`FLASH_MANUFACTURER_ID: (.*)`)
	reFlashSize    = regexp.MustCompile(`FLASH_SIZE: (.*)`)
	reFlashUID     = regexp.MustCompile(`UNIQUE_FLASH_CHIP_ID: (.*)`)
	reManufacturer = regexp.MustCompile(`Manufacturer: (.*)`)
	rePHYVersion   = regexp.MustCompile(`phy_version (\d+,[^,]+)`)
	reEthMAC       = regexp.MustCompile(`ETH_MAC: ` + macPattern)
	rePHYRevision  = regexp.MustCompile(`phy_version ([^,]*)`)
	reWiFiFirmware = regexp.MustCompile(`wifi:wifi firmware version: (.*)`)
	reWiFiMAC      = regexp.MustCompile(`WIFI_STA MAC: ` + macPattern)
	reWiFiCert     = regexp.MustCompile(`wifi:wifi certification version:(.*)`)
	reBTVersion    = regexp.MustCompile(`BT controller compile version \[([^\]]*)`)
	reBTMAC        = regexp.MustCompile(`BLUETOOTH_MAC: ` + macPattern)
	reFirmware     = regexp.MustCompile(`Firmware partition SHA256 checksum: (.*)`)
	reBootloader   = regexp.MustCompile(`Bootloader partition SHA256 checksum: (.*)`)
	reELF          = regexp.MustCompile(`ELF SHA256 checksum: (.*)`)
	reEFuse        = regexp.MustCompile(`RSA-PSS SHA-256 checksum: (.*)`)
	reGPIOValid    = regexp.MustCompile(`GPIO VALID PINS: (.*)`)
	reGPIOLevels   = regexp.MustCompile(`GPIO PIN LEVELS: (.*)`)
	reSnapshot     = regexp.MustCompile(`SNAPSHOT: id ([0-9A-Fa-f-]{36})`)
)

// find returns the first capture of re in log, trimmed, or NotSpecified.
func find(re *regexp.Regexp, log string) string {
	m := re.FindStringSubmatch(log)
	if m == nil {
		return NotSpecified
	}
	v := strings.TrimSpace(m[1])
	if v == "" {
		return NotSpecified
	}
	return v
}

// Parse extracts component data from a device log. The first match of each
// pattern wins; anything missing is NotSpecified.
func Parse(log string) Data {
	manufacturer := find(reManufacturer, log)
	return Data{
		PlatformModel:   find(reModelNumber, log),
		PlatformVersion: find(reRevision, log),
		PlatformSerial:  find(reBaseMAC, log),

		CPUManufacturer: find(reToolchain, log),
		CPUCores:        find(reCores, log),
		CPUFrequency:    find(reCPUFreq, log),
		CPUSerial:       find(reChipID, log),
		CPURevision:     find(reRevision, log),

		FlashManufacturer: find(reFlashMfg, log),
		FlashSize:         find(reFlashSize, log),
		FlashSerial:       find(reFlashUID, log),

		NICManufacturer: manufacturer,
		PHYVersion:      find(rePHYVersion, log),
		EthernetMAC:     find(reEthMAC, log),
		PHYRevision:     find(rePHYRevision, log),

		WiFiManufacturer:  manufacturer,
		WiFiFirmware:      find(reWiFiFirmware, log),
		WiFiMAC:           find(reWiFiMAC, log),
		WiFiCertification: find(reWiFiCert, log),

		BTManufacturer:   manufacturer,
		BTCompileVersion: find(reBTVersion, log),
		BTMAC:            find(reBTMAC, log),

		FirmwareDigest:   find(reFirmware, log),
		BootloaderDigest: find(reBootloader, log),
		ELFDigest:        find(reELF, log),
		EFuseDigest:      find(reEFuse, log),

		GPIOValid:  find(reGPIOValid, log),
		GPIOLevels: find(reGPIOLevels, log),

		SnapshotID: find(reSnapshot, log),
	}
}
