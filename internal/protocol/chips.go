package protocol

// ChipMagicRegister holds a ROM constant that identifies the chip family.
const ChipMagicRegister = 0x40001000

// Chip IDs reported by GET_SECURITY_INFO
const (
	ChipIDESP32C3 = 0x05
)

// Target names
const (
	TargetESP32   = "esp32"
	TargetESP32C3 = "esp32c3"
)

var magicTargets = map[uint32]string{
	0x00F01D83: TargetESP32,
	0x6921506F: TargetESP32C3, // ECO1+2
	0x1B31506F: TargetESP32C3, // ECO3
	0x4881606F: TargetESP32C3, // ECO6
	0x4361606F: TargetESP32C3, // ECO7
}

// TargetForMagic maps the value of ChipMagicRegister to a target name.
func TargetForMagic(magic uint32) (string, bool) {
	t, ok := magicTargets[magic]
	return t, ok
}

// ChipName returns human-readable name for a target
func ChipName(target string) string {
	switch target {
	case TargetESP32C3:
		return "ESP32-C3"
	case TargetESP32:
		return "ESP32"
	default:
		return "ESP32 (unknown variant)"
	}
}
