package serial

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const defaultReadTimeout = 100 * time.Millisecond

// Port wraps a serial port with ESP32-specific reset handling.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
	usbJTAG  bool
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
		usbJTAG:  isUSBJTAGSerial(portName),
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// ReadWithTimeout reads whatever arrives within timeout.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)

	return p.port.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// ResetToBootloader resets the chip into the ROM download mode. Native
// USB-Serial/JTAG ports need a different line sequence than the classic
// two-transistor auto-reset circuit.
func (p *Port) ResetToBootloader() error {
	if p.usbJTAG {
		return p.usbJTAGReset()
	}
	return p.classicReset()
}

// classicReset drives EN and IO0 through the inverted DTR/RTS pair found on
// most dev boards.
func (p *Port) classicReset() error {
	steps := []lineStep{
		{dtr: false, rts: true, wait: 100 * time.Millisecond}, // EN low, IO0 high
		{dtr: true, rts: false, wait: 50 * time.Millisecond},  // EN high, IO0 low
		{dtr: false, rts: false},                              // release IO0
	}
	if err := p.drive(steps); err != nil {
		return err
	}

	p.Flush()
	time.Sleep(100 * time.Millisecond)
	return nil
}

func (p *Port) usbJTAGReset() error {
	steps := []lineStep{
		{dtr: false, rts: false, wait: 100 * time.Millisecond},
		{dtr: true, rts: false, wait: 100 * time.Millisecond}, // IO0 low
		// reset with IO0 held; RTS first so the lines pass through (1,1)
		// instead of (0,0), which would drop the boot request
		{dtr: false, rts: true, rtsFirst: true, wait: 100 * time.Millisecond},
		{dtr: false, rts: false},
	}
	if err := p.drive(steps); err != nil {
		return err
	}

	p.Flush()
	time.Sleep(100 * time.Millisecond)
	return nil
}

// lineStep is one DTR/RTS state held for wait.
type lineStep struct {
	dtr, rts bool
	rtsFirst bool
	wait     time.Duration
}

func (p *Port) drive(steps []lineStep) error {
	for _, s := range steps {
		if s.rtsFirst {
			if err := p.port.SetRTS(s.rts); err != nil {
				return fmt.Errorf("set RTS: %w", err)
			}
		}
		if err := p.port.SetDTR(s.dtr); err != nil {
			return fmt.Errorf("set DTR: %w", err)
		}
		// set RTS last in both orders; Windows only propagates DTR on an RTS write
		if err := p.port.SetRTS(s.rts); err != nil {
			return fmt.Errorf("set RTS: %w", err)
		}
		if s.wait > 0 {
			time.Sleep(s.wait)
		}
	}
	return nil
}

// HardReset pulses EN so the chip boots its application.
func (p *Port) HardReset() error {
	if err := p.port.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return p.port.SetRTS(false)
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// PortInfo describes an available serial port.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// Bridge names the USB-UART bridge behind the port, if recognised.
func (pi PortInfo) Bridge() string {
	switch strings.ToUpper(pi.VID) {
	case "303A":
		return "Espressif USB-Serial/JTAG"
	case "10C4":
		return "Silicon Labs CP210x"
	case "1A86":
		return "WCH CH34x"
	case "0403":
		return "FTDI"
	}
	return ""
}

// ListPorts returns the available serial ports with USB details where the
// platform provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:    d.Name,
				IsUSB:   d.IsUSB,
				VID:     d.VID,
				PID:     d.PID,
				Serial:  d.SerialNumber,
				Product: d.Product,
			})
		}
		return ports, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	return ports, nil
}

// isUSBJTAGSerial reports whether portName belongs to the on-chip
// USB-Serial/JTAG controller (VID 303A, PID 1001).
func isUSBJTAGSerial(portName string) bool {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p.Name == portName && strings.EqualFold(p.VID, "303A") && strings.EqualFold(p.PID, "1001") {
			return true
		}
	}
	return false
}
