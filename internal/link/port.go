package link

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open serial line. A Read that returns (0, nil) means the read
// timeout elapsed with no data; any non-nil error is treated as a lost port.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a named port at the given baud rate with a per-read timeout.
type Opener func(name string, baud int, readTimeout time.Duration) (Port, error)

// Enumerator lists the serial ports currently present on the host.
type Enumerator func() ([]PortInfo, error)

// PortType classifies how a serial port is attached.
type PortType string

const (
	PortUSB       PortType = "usb"
	PortBluetooth PortType = "bluetooth"
	PortPCI       PortType = "pci"
	PortUnknown   PortType = "unknown"
)

// USBInfo carries the identifiers reported for USB serial adapters.
type USBInfo struct {
	VID          string `json:"vid"`
	PID          string `json:"pid"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// PortInfo describes one enumerated port. USB is only set for PortUSB.
type PortInfo struct {
	Name string   `json:"portName"`
	Type PortType `json:"portType"`
	USB  *USBInfo `json:"usb,omitempty"`
}

// Overridable in tests.
var (
	openSerial     = serial.Open
	enumeratePorts = enumerator.GetDetailedPortsList
)

// OpenSerial is the default Opener: 8N1 at the requested baud, with the read
// timeout applied before the port is handed out.
func OpenSerial(name string, baud int, readTimeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := openSerial(name, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("link: set read timeout on %s: %w", name, err)
	}
	return p, nil
}

// EnumerateSerial is the default Enumerator.
func EnumerateSerial() ([]PortInfo, error) {
	details, err := enumeratePorts()
	if err != nil {
		return nil, fmt.Errorf("link: enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		out = append(out, describePort(d))
	}
	return out, nil
}

func describePort(d *enumerator.PortDetails) PortInfo {
	info := PortInfo{Name: d.Name, Type: classifyPort(d)}
	if info.Type == PortUSB {
		info.USB = &USBInfo{
			VID:          strings.ToUpper(d.VID),
			PID:          strings.ToUpper(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}
	}
	return info
}

// classifyPort maps enumerator details to a PortType. The enumerator only
// reports USB explicitly, so the rest is inferred from the device name.
func classifyPort(d *enumerator.PortDetails) PortType {
	if d.IsUSB {
		return PortUSB
	}
	lower := strings.ToLower(d.Name)
	switch {
	case strings.Contains(lower, "rfcomm"), strings.Contains(lower, "bluetooth"):
		return PortBluetooth
	case strings.HasPrefix(d.Name, "/dev/ttyS"):
		return PortPCI
	default:
		return PortUnknown
	}
}
