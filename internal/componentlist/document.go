package componentlist

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ComponentClassRegistryTCG is the TCG component class registry OID.
const ComponentClassRegistryTCG = "2.23.133.18.3.1"

// TCG component class values.
const (
	ClassEmbeddedProcessor = "00010008"
	ClassFlash             = "0006000A"
	ClassNIC               = "00090000"
	ClassWiFiAdapter       = "00090003"
	ClassBluetoothAdapter  = "00090004"
	ClassFirmware          = "00130003"
	ClassBootloader        = "00130005"
	ClassGPIO              = "000E0000"
	ClassELF               = "00130000"
	ClassEFuse             = "00130000"
)

// DefaultPlatformManufacturer is used when Options leaves it empty.
const DefaultPlatformManufacturer = "Espressif"

// PropertySnapshotID names the property that carries the collection run id.
const PropertySnapshotID = "snapshot-id"

const notDefined = "Not defined"

type Platform struct {
	Manufacturer string `json:"PLATFORMMANUFACTURERSTR"`
	Model        string `json:"PLATFORMMODEL"`
	Version      string `json:"PLATFORMVERSION"`
	Serial       string `json:"PLATFORMSERIAL"`
}

type ComponentClass struct {
	Registry string `json:"COMPONENTCLASSREGISTRY"`
	Value    string `json:"COMPONENTCLASSVALUE"`
}

type Address struct {
	EthernetMAC  string `json:"ETHERNETMAC,omitempty"`
	WLANMAC      string `json:"WLANMAC,omitempty"`
	BluetoothMAC string `json:"BLUETOOTHMAC,omitempty"`
}

type Component struct {
	Class            ComponentClass `json:"COMPONENTCLASS"`
	Manufacturer     string         `json:"MANUFACTURER"`
	Model            string         `json:"MODEL"`
	Serial           string         `json:"SERIAL"`
	Revision         string         `json:"REVISION,omitempty"`
	FieldReplaceable string         `json:"FIELDREPLACEABLE,omitempty"`
	Addresses        []Address      `json:"ADDRESSES,omitempty"`
}

type Property struct {
	Name  string `json:"PROPERTYNAME"`
	Value string `json:"PROPERTYVALUE"`
}

// Document is the component list consumed by the PACCOR certificate
// generator.
type Document struct {
	Platform   Platform    `json:"PLATFORM"`
	Components []Component `json:"COMPONENTS"`
	Properties []Property  `json:"PROPERTIES"`
}

// Options customizes Build.
type Options struct {
	PlatformManufacturer string
	Properties           []Property
}

func class(value string) ComponentClass {
	return ComponentClass{Registry: ComponentClassRegistryTCG, Value: value}
}

// phyModel returns the hash part of "<num>,<hash>".
func phyModel(v string) string {
	if _, hash, ok := strings.Cut(v, ","); ok {
		return hash
	}
	return v
}

func cpuModel(d Data) string {
	if d.CPUFrequency == NotSpecified {
		return d.CPUCores
	}
	return d.CPUCores + " " + d.CPUFrequency + " Hz"
}

// Build assembles the component list from parsed log data.
func Build(d Data, opts Options) Document {
	mfg := opts.PlatformManufacturer
	if mfg == "" {
		mfg = DefaultPlatformManufacturer
	}

	doc := Document{
		Platform: Platform{
			Manufacturer: mfg,
			Model:        d.PlatformModel,
			Version:      d.PlatformVersion,
			Serial:       d.PlatformSerial,
		},
		Components: []Component{
			{
				Class:            class(ClassEmbeddedProcessor),
				Manufacturer:     d.CPUManufacturer,
				Model:            cpuModel(d),
				Serial:           d.CPUSerial,
				Revision:         d.CPURevision,
				FieldReplaceable: "false",
			},
			{
				Class:            class(ClassFlash),
				Manufacturer:     d.FlashManufacturer,
				Model:            d.FlashSize,
				Serial:           d.FlashSerial,
				Revision:         notDefined,
				FieldReplaceable: "false",
			},
			{
				Class:            class(ClassNIC),
				Manufacturer:     d.NICManufacturer,
				Model:            phyModel(d.PHYVersion),
				Serial:           d.EthernetMAC,
				Revision:         d.PHYRevision,
				FieldReplaceable: "true",
				Addresses:        []Address{{EthernetMAC: d.EthernetMAC}},
			},
			{
				Class:            class(ClassWiFiAdapter),
				Manufacturer:     d.WiFiManufacturer,
				Model:            d.WiFiFirmware,
				Serial:           d.WiFiMAC,
				Revision:         d.WiFiCertification,
				FieldReplaceable: "true",
				Addresses:        []Address{{WLANMAC: d.WiFiMAC}},
			},
			{
				Class:            class(ClassBluetoothAdapter),
				Manufacturer:     d.BTManufacturer,
				Model:            d.BTCompileVersion,
				Serial:           d.BTMAC,
				Revision:         notDefined,
				FieldReplaceable: "false",
				Addresses:        []Address{{BluetoothMAC: d.BTMAC}},
			},
			digestComponent(ClassFirmware, d.FirmwareDigest),
			digestComponent(ClassBootloader, d.BootloaderDigest),
			digestComponent(ClassELF, d.ELFDigest),
			digestComponent(ClassEFuse, d.EFuseDigest),
			{
				Class:        class(ClassGPIO),
				Manufacturer: NotSpecified,
				Model:        d.GPIOValid,
				Serial:       d.GPIOLevels,
			},
		},
		Properties: []Property{},
	}

	if d.SnapshotID != NotSpecified {
		doc.Properties = append(doc.Properties, Property{Name: PropertySnapshotID, Value: d.SnapshotID})
	}
	doc.Properties = append(doc.Properties, opts.Properties...)
	return doc
}

func digestComponent(value, digest string) Component {
	return Component{
		Class:        class(value),
		Manufacturer: NotSpecified,
		Model:        NotSpecified,
		Serial:       digest,
	}
}

// JSON renders the document with 4-space indentation.
func (d Document) JSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Generate parses log and renders its component list.
func Generate(log string, opts Options) ([]byte, error) {
	return Build(Parse(log), opts).JSON()
}
