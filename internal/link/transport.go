package link

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Transport is the byte pipe to the response box. Read may return (0,
// nil) on a poll timeout; a real error means the transport is gone.
type Transport interface {
	io.ReadWriteCloser
}

// ErrDeviceNotFound means no attached serial port matched a known
// response-box identity.
var ErrDeviceNotFound = errors.New("link: response box not found on any serial port")

// Known USB vendor IDs for the microcontrollers the boxes are built on:
// Arduino, CH340 clones, FTDI bridges, CP210x bridges, RP2040.
var knownVendorIDs = []string{"2341", "1A86", "0403", "10C4", "2E8A"}

// Port-name substrings accepted when USB metadata is unavailable.
var knownPortHints = []string{"usbmodem", "usbserial", "ttyACM", "ttyUSB"}

const defaultBaudRate = 115200

// discoverPort enumerates attached serial ports and returns the first
// one that looks like a response box, matching by USB vendor ID first
// and port-name hints second.
func discoverPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("link: enumerate ports: %w", err)
	}

	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		for _, vid := range knownVendorIDs {
			if strings.EqualFold(p.VID, vid) {
				log.Printf("[link] matched %s (VID=%s PID=%s product=%q)", p.Name, p.VID, p.PID, p.Product)
				return p.Name, nil
			}
		}
	}

	for _, p := range ports {
		for _, hint := range knownPortHints {
			if strings.Contains(p.Name, hint) {
				log.Printf("[link] matched %s by name hint %q", p.Name, hint)
				return p.Name, nil
			}
		}
	}

	return "", ErrDeviceNotFound
}

// openSerial opens path at the fixed link settings: 8 data bits, no
// parity, one stop bit. The short read timeout keeps the read loop
// responsive to shutdown without busy-waiting.
func openSerial(path string, baud int) (Transport, error) {
	if baud == 0 {
		baud = defaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// serialFactory is the production transport factory: discover (or use
// the configured path) and open.
func serialFactory(cfg Config) (Transport, string, error) {
	path := cfg.PortPath
	if path == "" || cfg.AutoDetect {
		found, err := discoverPort()
		if err != nil {
			if path == "" {
				return nil, "", err
			}
			log.Printf("[link] auto-detect failed (%v), falling back to configured %s", err, path)
		} else {
			path = found
		}
	}
	tr, err := openSerial(path, cfg.BaudRate)
	if err != nil {
		return nil, "", err
	}
	return tr, path, nil
}
