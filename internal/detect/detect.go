package detect

import (
	"errors"
	"fmt"

	"github.com/thomasgruebl/paccor4esp/internal/hardware"
	"github.com/thomasgruebl/paccor4esp/internal/loader"
	"github.com/thomasgruebl/paccor4esp/internal/protocol"
	"github.com/thomasgruebl/paccor4esp/internal/serial"
)

// ErrNoDevice is returned when no port answers as a supported chip.
var ErrNoDevice = errors.New("no ESP32 device found")

// Result represents a detected ESP32 device.
type Result struct {
	Port     string
	Bridge   string
	Target   string
	ChipName string
}

// Session is an open connection to a chip in download mode.
type Session struct {
	Port   *serial.Port
	Client *loader.Client
	Device *hardware.Device
}

// Open connects to the ROM loader on portName. An empty target is detected
// from the chip magic register.
func Open(portName string, baudRate int, target string) (*Session, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}

	client := loader.New(port)
	if err := client.Connect(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	var dev *hardware.Device
	if target == "" {
		dev, err = hardware.Detect(client)
	} else {
		dev, err = hardware.NewDevice(client, target)
	}
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to identify chip: %w", err)
	}

	return &Session{Port: port, Client: client, Device: dev}, nil
}

// Close closes the serial port, optionally rebooting the chip first.
func (s *Session) Close(reboot bool) error {
	if reboot {
		if err := s.Client.Reboot(); err != nil {
			s.Port.Close()
			return fmt.Errorf("failed to reboot: %w", err)
		}
	}
	return s.Port.Close()
}

// Scanner checks serial ports for chips.
type Scanner struct {
	List     func() ([]serial.PortInfo, error)
	Identify func(port serial.PortInfo, baudRate int) (*Result, error)
}

// DefaultScanner checks real serial ports.
var DefaultScanner = Scanner{List: serial.ListPorts, Identify: identify}

func identify(pi serial.PortInfo, baudRate int) (*Result, error) {
	s, err := Open(pi.Name, baudRate, "")
	if err != nil {
		return nil, err
	}
	defer s.Close(false)

	target := s.Device.Target()
	return &Result{
		Port:     pi.Name,
		Bridge:   pi.Bridge(),
		Target:   target,
		ChipName: protocol.ChipName(target),
	}, nil
}

// DetectDevice returns the first port with a supported chip.
func (sc Scanner) DetectDevice(baudRate int) (*Result, error) {
	ports, err := sc.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no serial ports", ErrNoDevice)
	}

	var lastErr error
	for _, pi := range ports {
		result, err := sc.Identify(pi, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w (last error: %w)", ErrNoDevice, lastErr)
}

// ListDevices scans all ports and returns every detected chip.
func (sc Scanner) ListDevices(baudRate int) ([]Result, error) {
	ports, err := sc.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, pi := range ports {
		result, err := sc.Identify(pi, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

// DetectDevice scans real serial ports.
func DetectDevice(baudRate int) (*Result, error) {
	return DefaultScanner.DetectDevice(baudRate)
}

// ListDevices scans real serial ports.
func ListDevices(baudRate int) ([]Result, error) {
	return DefaultScanner.ListDevices(baudRate)
}
