package fingerprint

import (
	"strconv"
)

// Uint32ToBinary renders v as 32 '0'/'1' characters, bit 31 first.
func Uint32ToBinary(v uint32) string {
	var b [32]byte
	for i := 31; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			b[31-i] = '1'
		} else {
			b[31-i] = '0'
		}
	}
	return string(b[:])
}

// ManufacturerCode extracts the flash manufacturer code from a chip id.
//
// The last eight characters of the binary rendering are read back to front
// before being parsed, so bit 0 ends up as the most significant bit of the
// result: ManufacturerCode(1) == 128. Certificates already issued carry
// values computed this way, so the order must not change.
func ManufacturerCode(chipID uint32) uint8 {
	bin := Uint32ToBinary(chipID)

	var mask [8]byte
	for j, i := 0, len(bin)-1; j < 8; j, i = j+1, i-1 {
		mask[j] = bin[i]
	}

	code, err := strconv.ParseUint(string(mask[:]), 2, 8)
	if err != nil {
		// mask only ever holds '0' and '1'
		panic(err)
	}
	return uint8(code)
}
