// Package loader talks to the ESP32 ROM download-mode loader over a serial
// port: sync, register access, SPI flash commands and MD5 checks.
package loader

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/thomasgruebl/paccor4esp/internal/protocol"
	"github.com/thomasgruebl/paccor4esp/internal/slip"
)

// Port is the serial transport the loader needs.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
	ResetToBootloader() error
	HardReset() error
}

const (
	syncAttempts   = 10
	defaultTimeout = 3 * time.Second
	md5Timeout     = 10 * time.Second
	readChunk      = 256
	pollInterval   = 100 * time.Millisecond
)

// Client is a connection to the ROM loader.
type Client struct {
	port      Port
	dec       slip.Decoder
	statusLen int
	timeout   time.Duration
}

// New creates a Client for the given port.
func New(port Port) *Client {
	return &Client{
		port:      port,
		statusLen: protocol.StatusBytesROM,
		timeout:   defaultTimeout,
	}
}

// Connect resets the chip into download mode, syncs with the loader and
// attaches the SPI flash.
func (c *Client) Connect() error {
	if err := c.port.ResetToBootloader(); err != nil {
		return fmt.Errorf("failed to reset into bootloader: %w", err)
	}

	if err := c.Sync(); err != nil {
		return fmt.Errorf("failed to sync with bootloader: %w", err)
	}

	if _, err := c.command(protocol.CmdSpiAttach, protocol.SpiAttachData(), c.timeout); err != nil {
		return fmt.Errorf("failed to attach SPI flash: %w", err)
	}

	return nil
}

// Sync sends SYNC until the loader answers. The ROM replies to one SYNC with
// several responses; the extras are drained.
func (c *Client) Sync() error {
	for attempt := 0; attempt < syncAttempts; attempt++ {
		c.port.Flush()
		c.dec.Reset()

		resp, err := c.roundTrip(protocol.CmdSync, protocol.SyncData(), 500*time.Millisecond)
		if err != nil || !resp.IsSuccess() {
			continue
		}

		for i := 0; i < 7; i++ {
			if _, err := c.readResponse(protocol.CmdSync, pollInterval); err != nil {
				break
			}
		}
		return nil
	}

	return fmt.Errorf("sync failed after %d attempts", syncAttempts)
}

// ReadReg reads a 32-bit register.
func (c *Client) ReadReg(address uint32) (uint32, error) {
	resp, err := c.command(protocol.CmdReadReg, protocol.ReadRegData(address), c.timeout)
	if err != nil {
		return 0, errors.Annotatef(err, "read register 0x%08X", address)
	}
	return resp.Value, nil
}

// WriteReg writes a 32-bit register.
func (c *Client) WriteReg(address, value uint32) error {
	if _, err := c.command(protocol.CmdWriteReg, protocol.WriteRegData(address, value), c.timeout); err != nil {
		return errors.Annotatef(err, "write register 0x%08X", address)
	}
	return nil
}

// SecurityInfo queries GET_SECURITY_INFO. The ESP32 ROM does not implement it.
func (c *Client) SecurityInfo() (*protocol.SecurityInfo, error) {
	resp, err := c.command(protocol.CmdGetSecurityInfo, nil, c.timeout)
	if err != nil {
		return nil, errors.Annotate(err, "get security info")
	}
	return protocol.ParseSecurityInfo(resp.Data)
}

// FlashMD5 returns the lowercase hex MD5 of a flash region as computed by
// the chip.
func (c *Client) FlashMD5(address, size uint32) (string, error) {
	resp, err := c.command(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(address, size), md5Timeout)
	if err != nil {
		return "", errors.Annotatef(err, "flash MD5 at 0x%X", address)
	}

	// The ROM answers with 32 ASCII hex characters, a stub with 16 raw bytes.
	switch {
	case len(resp.Data) >= 32:
		return string(resp.Data[:32]), nil
	case len(resp.Data) == 16:
		return hex.EncodeToString(resp.Data), nil
	}
	return "", errors.Errorf("flash MD5: unexpected payload length %d", len(resp.Data))
}

// Reboot leaves download mode by pulsing EN.
func (c *Client) Reboot() error {
	return c.port.HardReset()
}

// command sends a request and requires a successful response.
func (c *Client) command(cmd byte, data []byte, timeout time.Duration) (*protocol.Response, error) {
	resp, err := c.roundTrip(cmd, data, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("command 0x%02X failed: %s", cmd, resp.ErrorString())
	}
	return resp, nil
}

func (c *Client) roundTrip(cmd byte, data []byte, timeout time.Duration) (*protocol.Response, error) {
	req := protocol.NewRequest(cmd, data)
	if _, err := c.port.Write(slip.Encode(req.Encode())); err != nil {
		return nil, err
	}
	return c.readResponse(cmd, timeout)
}

// readResponse returns the next response for cmd, skipping stale responses
// to earlier commands and frames that do not decode.
func (c *Client) readResponse(cmd byte, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, readChunk)

	for {
		for {
			frame, ok := c.dec.Next()
			if !ok {
				break
			}
			resp, err := protocol.DecodeResponse(frame, c.statusLen)
			if err != nil || resp.Command != cmd {
				continue
			}
			return resp, nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("timeout waiting for response to command 0x%02X", cmd)
		}

		// read errors surface as a timeout
		n, _ := c.port.ReadWithTimeout(chunk, pollInterval)
		if n > 0 {
			c.dec.Write(chunk[:n])
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}
