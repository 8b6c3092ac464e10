package loader

import (
	"github.com/juju/errors"
)

// SPI flash commands
const (
	FlashCmdRead      = 0x03
	FlashCmdReadUID   = 0x4B
	FlashCmdReadJEDEC = 0x9F
)

const (
	spiCmdUsr          = 1 << 18
	spiUsrCommand      = 1 << 31
	spiUsrMISO         = 1 << 28
	spiUsrMOSI         = 1 << 27
	spiCommandLenShift = 28

	// SPIBufferSize is the size of the W0..W15 data buffer.
	SPIBufferSize = 64
	spiPollLimit  = 10
)

// SPIRegisters locates the SPI1 (flash) controller of a chip.
type SPIRegisters struct {
	Base     uint32
	Usr      uint32
	Usr1     uint32
	Usr2     uint32
	MOSIDlen uint32
	MISODlen uint32
	W0       uint32
}

// SPICommand runs a single-line user command on the flash: cmd, then mosi
// bytes, then readLen bytes clocked back. The controller registers touched
// are restored afterwards.
func (c *Client) SPICommand(r SPIRegisters, cmd byte, mosi []byte, readLen int) ([]byte, error) {
	if len(mosi) > SPIBufferSize || readLen > SPIBufferSize {
		return nil, errors.Errorf("SPI command 0x%02X: transfer exceeds %d bytes", cmd, SPIBufferSize)
	}

	oldUsr, err := c.ReadReg(r.Base + r.Usr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	oldUsr2, err := c.ReadReg(r.Base + r.Usr2)
	if err != nil {
		return nil, errors.Trace(err)
	}

	flags := uint32(spiUsrCommand)
	if len(mosi) > 0 {
		flags |= spiUsrMOSI
		if err := c.WriteReg(r.Base+r.MOSIDlen, uint32(len(mosi)*8-1)); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if readLen > 0 {
		flags |= spiUsrMISO
		if err := c.WriteReg(r.Base+r.MISODlen, uint32(readLen*8-1)); err != nil {
			return nil, errors.Trace(err)
		}
	}

	if err := c.WriteReg(r.Base+r.Usr, flags); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.WriteReg(r.Base+r.Usr2, 7<<spiCommandLenShift|uint32(cmd)); err != nil {
		return nil, errors.Trace(err)
	}

	if len(mosi) == 0 {
		if err := c.WriteReg(r.Base+r.W0, 0); err != nil {
			return nil, errors.Trace(err)
		}
	}
	for i, word := range packWords(mosi) {
		if err := c.WriteReg(r.Base+r.W0+uint32(i*4), word); err != nil {
			return nil, errors.Trace(err)
		}
	}

	if err := c.WriteReg(r.Base, spiCmdUsr); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.waitSPIIdle(r); err != nil {
		return nil, errors.Annotatef(err, "SPI command 0x%02X", cmd)
	}

	out := make([]byte, 0, readLen)
	for i := 0; len(out) < readLen; i++ {
		word, err := c.ReadReg(r.Base + r.W0 + uint32(i*4))
		if err != nil {
			return nil, errors.Trace(err)
		}
		for shift := uint(0); shift < 32 && len(out) < readLen; shift += 8 {
			out = append(out, byte(word>>shift))
		}
	}

	if err := c.WriteReg(r.Base+r.Usr, oldUsr); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.WriteReg(r.Base+r.Usr2, oldUsr2); err != nil {
		return nil, errors.Trace(err)
	}

	return out, nil
}

func (c *Client) waitSPIIdle(r SPIRegisters) error {
	for i := 0; i < spiPollLimit; i++ {
		v, err := c.ReadReg(r.Base)
		if err != nil {
			return err
		}
		if v&spiCmdUsr == 0 {
			return nil
		}
	}
	return errors.New("SPI controller did not finish")
}

// packWords packs bytes into little-endian 32-bit words, the order in which
// the controller shifts the buffer out.
func packWords(b []byte) []uint32 {
	words := make([]uint32, (len(b)+3)/4)
	for i, v := range b {
		words[i/4] |= uint32(v) << (uint(i%4) * 8)
	}
	return words
}

// FlashID returns the JEDEC id bytes: manufacturer, memory type, capacity.
func (c *Client) FlashID(r SPIRegisters) ([3]byte, error) {
	var id [3]byte
	raw, err := c.SPICommand(r, FlashCmdReadJEDEC, nil, 3)
	if err != nil {
		return id, errors.Annotate(err, "read flash id")
	}
	copy(id[:], raw)
	return id, nil
}

// FlashUniqueID returns the 64-bit factory unique id of the flash, most
// significant byte first. Four dummy bytes follow the command.
func (c *Client) FlashUniqueID(r SPIRegisters) ([8]byte, error) {
	var uid [8]byte
	raw, err := c.SPICommand(r, FlashCmdReadUID, make([]byte, 4), 8)
	if err != nil {
		return uid, errors.Annotate(err, "read flash unique id")
	}
	copy(uid[:], raw)
	return uid, nil
}

// ProgressCallback is called to report read progress in bytes.
type ProgressCallback func(current, total int)

// ReadFlash reads size bytes starting at address in SPIBufferSize chunks.
func (c *Client) ReadFlash(r SPIRegisters, address, size uint32, progress ProgressCallback) ([]byte, error) {
	out := make([]byte, 0, size)
	for len(out) < int(size) {
		n := int(size) - len(out)
		if n > SPIBufferSize {
			n = SPIBufferSize
		}
		a := address + uint32(len(out))
		chunk, err := c.SPICommand(r, FlashCmdRead, []byte{byte(a >> 16), byte(a >> 8), byte(a)}, n)
		if err != nil {
			return nil, errors.Annotatef(err, "read flash at 0x%X", a)
		}
		out = append(out, chunk...)
		if progress != nil {
			progress(len(out), int(size))
		}
	}
	return out, nil
}
