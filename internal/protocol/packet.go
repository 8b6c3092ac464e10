package protocol

import (
	"encoding/binary"
	"fmt"
)

// Request represents an ESP32 bootloader request packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response represents an ESP32 bootloader response packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a new request with calculated checksum.
func NewRequest(cmd byte, data []byte) *Request {
	r := &Request{
		Command: cmd,
		Data:    data,
	}
	r.Checksum = Checksum(data)
	return r
}

// Checksum is the XOR of all data bytes seeded with 0xEF.
// The ROM only checks it for data-carrying commands.
func Checksum(data []byte) uint32 {
	var checksum byte = 0xEF
	for _, b := range data {
		checksum ^= b
	}
	return uint32(checksum)
}

// Encode serializes the request to bytes (before SLIP encoding).
//
//	0: direction (0x00 = request)
//	1: command
//	2-3: data size (little-endian)
//	4-7: checksum (little-endian)
//	8+: data
func (r *Request) Encode() []byte {
	packet := make([]byte, 8+len(r.Data))
	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[8:], r.Data)
	return packet
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
// statusLen is the length of the status trailer: StatusBytesROM for the ROM
// loader, 2 for a flasher stub.
func DecodeResponse(data []byte, statusLen int) (*Response, error) {
	if len(data) < 8+statusLen {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Command: data[1],
		Value:   binary.LittleEndian.Uint32(data[4:8]),
	}

	dataSize := int(binary.LittleEndian.Uint16(data[2:4]))
	if dataSize > len(data)-8 {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", dataSize, len(data)-8)
	}
	if dataSize < statusLen {
		return nil, fmt.Errorf("data size %d shorter than status trailer %d", dataSize, statusLen)
	}

	payload := data[8 : 8+dataSize]
	trailer := payload[dataSize-statusLen:]
	resp.Data = payload[:dataSize-statusLen]
	resp.Status = trailer[0]
	resp.Error = trailer[1]

	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}

// SyncData returns the data payload for a SYNC command.
func SyncData() []byte {
	// SYNC payload: 0x07 0x07 0x12 0x20 followed by 32 bytes of 0x55
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}

// ReadRegData creates the data payload for READ_REG.
func ReadRegData(address uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, address)
	return data
}

// WriteRegData creates the data payload for WRITE_REG with a full mask and
// no post-write delay.
func WriteRegData(address, value uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], address)
	binary.LittleEndian.PutUint32(data[4:8], value)
	binary.LittleEndian.PutUint32(data[8:12], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(data[12:16], 0)
	return data
}

// FlashMD5Data creates the data payload for SPI_FLASH_MD5 command.
func FlashMD5Data(address, size uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], address)
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// SpiAttachData creates the data payload for SPI_ATTACH command.
func SpiAttachData() []byte {
	// all zeros selects the default SPI pins
	return make([]byte, 8)
}

// SecurityInfo is the GET_SECURITY_INFO payload.
type SecurityInfo struct {
	Flags         uint32
	FlashCryptCnt uint8
	KeyPurposes   [7]uint8
	ChipID        uint32
	ECOVersion    uint32
}

// ParseSecurityInfo decodes the 20-byte security info payload. Older ROMs
// send only the first 12 bytes; ChipID and ECOVersion are then zero.
func ParseSecurityInfo(data []byte) (*SecurityInfo, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("security info too short: %d bytes", len(data))
	}

	info := &SecurityInfo{
		Flags:         binary.LittleEndian.Uint32(data[0:4]),
		FlashCryptCnt: data[4],
	}
	copy(info.KeyPurposes[:], data[5:12])
	if len(data) >= 20 {
		info.ChipID = binary.LittleEndian.Uint32(data[12:16])
		info.ECOVersion = binary.LittleEndian.Uint32(data[16:20])
	}
	return info, nil
}
