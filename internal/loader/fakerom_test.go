package loader

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/thomasgruebl/paccor4esp/internal/protocol"
	"github.com/thomasgruebl/paccor4esp/internal/slip"
)

var testSPI = SPIRegisters{
	Base:     0x60002000,
	Usr:      0x18,
	Usr1:     0x1C,
	Usr2:     0x20,
	MOSIDlen: 0x24,
	MISODlen: 0x28,
	W0:       0x58,
}

// fakeROM emulates enough of the ROM loader and the SPI1 controller to
// exercise Client end to end.
type fakeROM struct {
	in       slip.Decoder
	out      []byte
	regs     map[uint32]uint32
	flash    []byte
	jedec    [3]byte
	uid      [8]byte
	secInfo  []byte
	failCmd  byte
	syncSeen int
	resets   int
	hard     int
	writes   map[uint32]int
}

func newFakeROM() *fakeROM {
	return &fakeROM{
		regs:   make(map[uint32]uint32),
		writes: make(map[uint32]int),
	}
}

func (f *fakeROM) Write(data []byte) (int, error) {
	f.in.Write(data)
	for {
		frame, ok := f.in.Next()
		if !ok {
			break
		}
		f.handle(frame)
	}
	return len(data), nil
}

func (f *fakeROM) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	n := copy(buf, f.out)
	f.out = f.out[n:]
	return n, nil
}

func (f *fakeROM) Flush() error {
	f.out = nil
	return nil
}

func (f *fakeROM) ResetToBootloader() error {
	f.resets++
	// boot banner on the same UART
	f.out = append(f.out, []byte("ESP-ROM:esp32c3-api1-20210207\r\nwaiting for download\r\n")...)
	return nil
}

func (f *fakeROM) HardReset() error {
	f.hard++
	return nil
}

func (f *fakeROM) reply(cmd byte, value uint32, payload []byte, status, errCode byte) {
	body := append(append([]byte{}, payload...), status, errCode, 0, 0)
	pkt := make([]byte, 8+len(body))
	pkt[0] = protocol.DirResponse
	pkt[1] = cmd
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	copy(pkt[8:], body)
	f.out = append(f.out, slip.Encode(pkt)...)
}

func (f *fakeROM) handle(frame []byte) {
	if len(frame) < 8 || frame[0] != protocol.DirRequest {
		return
	}
	cmd := frame[1]
	data := frame[8:]

	if cmd == f.failCmd {
		f.reply(cmd, 0, nil, 1, protocol.ErrFailedToAct)
		return
	}

	switch cmd {
	case protocol.CmdSync:
		f.syncSeen++
		for i := 0; i < 8; i++ {
			f.reply(cmd, 0, nil, 0, 0)
		}
	case protocol.CmdSpiAttach:
		f.reply(cmd, 0, nil, 0, 0)
	case protocol.CmdReadReg:
		addr := binary.LittleEndian.Uint32(data[0:4])
		f.reply(cmd, f.regs[addr], nil, 0, 0)
	case protocol.CmdWriteReg:
		addr := binary.LittleEndian.Uint32(data[0:4])
		value := binary.LittleEndian.Uint32(data[4:8])
		f.writes[addr]++
		f.regs[addr] = value
		if addr == testSPI.Base && value&spiCmdUsr != 0 {
			f.runSPI()
		}
		f.reply(cmd, 0, nil, 0, 0)
	case protocol.CmdGetSecurityInfo:
		f.reply(cmd, 0, f.secInfo, 0, 0)
	case protocol.CmdSpiFlashMD5:
		addr := binary.LittleEndian.Uint32(data[0:4])
		size := binary.LittleEndian.Uint32(data[4:8])
		sum := md5.Sum(f.flash[addr : addr+size])
		f.reply(cmd, 0, []byte(hex.EncodeToString(sum[:])), 0, 0)
	default:
		f.reply(cmd, 0, nil, 1, protocol.ErrInvalidMessage)
	}
}

func (f *fakeROM) runSPI() {
	b := testSPI.Base
	usr := f.regs[b+testSPI.Usr]
	cmd := byte(f.regs[b+testSPI.Usr2])

	var mosi []byte
	if usr&spiUsrMOSI != 0 {
		n := int(f.regs[b+testSPI.MOSIDlen]+1) / 8
		for i := 0; i < n; i++ {
			word := f.regs[b+testSPI.W0+uint32(i/4*4)]
			mosi = append(mosi, byte(word>>(uint(i%4)*8)))
		}
	}
	readLen := 0
	if usr&spiUsrMISO != 0 {
		readLen = int(f.regs[b+testSPI.MISODlen]+1) / 8
	}

	var miso []byte
	switch cmd {
	case FlashCmdReadJEDEC:
		miso = f.jedec[:]
	case FlashCmdReadUID:
		miso = f.uid[:]
	case FlashCmdRead:
		addr := int(mosi[0])<<16 | int(mosi[1])<<8 | int(mosi[2])
		miso = f.flash[addr : addr+readLen]
	}

	for i := 0; i < readLen; i += 4 {
		var word uint32
		for j := 0; j < 4 && i+j < len(miso); j++ {
			word |= uint32(miso[i+j]) << (uint(j) * 8)
		}
		f.regs[b+testSPI.W0+uint32(i)] = word
	}
	f.regs[b] &^= spiCmdUsr
}
