package devicetransport

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// usbID is a USB vendor/product pair, upper-case hex without the 0x prefix,
// as reported by the port enumerator.
type usbID struct {
	vid string
	pid string
}

// knownDeviceIDs lists the USB bridge chips the device firmware ships behind.
var knownDeviceIDs = []usbID{
	{"10C4", "EA60"}, // CP2102
	{"1A86", "7523"}, // CH340
	{"0403", "6001"}, // FTDI
	{"303A", "1001"}, // ESP32-S3 native USB
}

func isKnownDevice(vid, pid string) bool {
	for _, id := range knownDeviceIDs {
		if strings.EqualFold(id.vid, vid) && strings.EqualFold(id.pid, pid) {
			return true
		}
	}
	return false
}

// serialPort adapts a go.bug.st serial port to the Port interface. The
// library's Read returns (0, nil) when the read timeout expires, which is
// exactly the contract Port documents.
type serialPort struct {
	serial.Port
}

// Open connects to the device on the named serial port. The session exists
// in the connecting state for the duration of the dial.
func Open(portName string, cfg Config) (*Session, error) {
	sess := newConnectingSession(portName, cfg)
	sess.logger.Debug("opening device port",
		zap.String("port", portName),
		zap.String("state", sess.State().String()),
	)

	mode := &serial.Mode{BaudRate: sess.cfg.BaudRate}
	port, err := serial.Open(portName, mode)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	sess.attach(&serialPort{Port: port})

	sess.logger.Info("device port opened",
		zap.String("port", portName),
		zap.Int("baud", sess.cfg.BaudRate),
	)
	return sess, nil
}

// ListDevicePorts returns the names of serial ports whose USB identifiers
// match a known device, without connecting to any of them.
func ListDevicePorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	var names []string
	for _, p := range ports {
		if p.IsUSB && isKnownDevice(p.VID, p.PID) {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// FindAndOpen scans for a device and connects to the first port that opens.
func FindAndOpen(cfg Config) (*Session, error) {
	cfg.applyDefaults()

	names, err := ListDevicePorts()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}

	var lastErr error
	for _, name := range names {
		sess, err := Open(name, cfg)
		if err == nil {
			return sess, nil
		}
		cfg.Logger.Sugar().Warnw("candidate port failed to open", "port", name, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d candidate ports failed, last error: %v", ErrNotFound, len(names), lastErr)
}
