package link

import (
	"fmt"
	"strconv"
	"strings"
)

// MsgKind identifies the type of an inbound device message.
type MsgKind int

const (
	MsgButtonPress MsgKind = iota
	MsgButtonRelease
	MsgCalibrateResponse
	MsgStatus
	MsgError
	MsgDebug
	MsgUnknown
)

func (k MsgKind) String() string {
	switch k {
	case MsgButtonPress:
		return "BTN_PRESS"
	case MsgButtonRelease:
		return "BTN_RELEASE"
	case MsgCalibrateResponse:
		return "CALIBRATE_RESPONSE"
	case MsgStatus:
		return "STATUS"
	case MsgError:
		return "ERROR"
	case MsgDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Message is a parsed inbound line from the response box. Kind selects
// which fields are populated.
type Message struct {
	Kind MsgKind

	// BTN_PRESS / BTN_RELEASE
	Button     int
	DeviceTime int64 // device millis at the physical press/release
	DeviceHold int64 // device-measured hold duration (release only)

	// CALIBRATE_RESPONSE
	OrigSendTime   int64 // echoed host send time from the ping
	DeviceRecvTime int64 // device millis when the ping arrived

	// STATUS
	Battery float64 // volts
	TempC   float64
	Uptime  int64 // device millis since boot

	// ERROR / DEBUG text, or the raw line for MsgUnknown
	Text string
	Raw  string
}

// Outbound command names. The wire format is command:field1:field2:...\n
// in plain ASCII at 115200 baud.
const (
	cmdInit          = "INIT"
	cmdCalibratePing = "CALIBRATE_PING"
	cmdSyncClock     = "SYNC_CLOCK"
	cmdTestButton    = "TEST_BUTTON"
	cmdLEDOn         = "LED_ON"
	cmdLEDOff        = "LED_OFF"
	cmdPattern       = "PATTERN"
	cmdIcon          = "ICON"
	cmdClear         = "CLEAR"
	cmdPixel         = "PIXEL"
	cmdDisconnect    = "DISCONNECT"
)

// Decoder reassembles newline-terminated lines from an arbitrary byte
// stream. A line split across two reads is buffered until its terminator
// arrives, so chunk boundaries never corrupt framing.
type Decoder struct {
	buf []byte
}

// Feed appends a chunk of raw bytes and returns every complete line it
// now holds, stripped of the \n terminator (and a \r if present).
func (d *Decoder) Feed(p []byte) []string {
	d.buf = append(d.buf, p...)

	var lines []string
	for {
		idx := -1
		for i, b := range d.buf {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ParseLine parses a colon-delimited inbound line into a Message.
// Lines that do not match a known command, or carry malformed fields,
// come back as MsgUnknown; the caller logs and drops them.
func ParseLine(line string) Message {
	parts := strings.Split(line, ":")
	cmd := parts[0]
	args := parts[1:]

	unknown := Message{Kind: MsgUnknown, Raw: line}

	switch cmd {
	case "BTN_PRESS":
		if len(args) < 2 {
			return unknown
		}
		idx, err1 := strconv.Atoi(args[0])
		dt, err2 := strconv.ParseInt(args[1], 10, 64)
		if err1 != nil || err2 != nil || idx < 0 || idx > 3 {
			return unknown
		}
		return Message{Kind: MsgButtonPress, Button: idx, DeviceTime: dt}

	case "BTN_RELEASE":
		if len(args) < 3 {
			return unknown
		}
		idx, err1 := strconv.Atoi(args[0])
		dt, err2 := strconv.ParseInt(args[1], 10, 64)
		dur, err3 := strconv.ParseInt(args[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || idx < 0 || idx > 3 {
			return unknown
		}
		return Message{Kind: MsgButtonRelease, Button: idx, DeviceTime: dt, DeviceHold: dur}

	case "CALIBRATE_RESPONSE":
		if len(args) < 2 {
			return unknown
		}
		orig, err1 := strconv.ParseInt(args[0], 10, 64)
		recv, err2 := strconv.ParseInt(args[1], 10, 64)
		if err1 != nil || err2 != nil {
			return unknown
		}
		return Message{Kind: MsgCalibrateResponse, OrigSendTime: orig, DeviceRecvTime: recv}

	case "STATUS":
		if len(args) < 3 {
			return unknown
		}
		batt, err1 := strconv.ParseFloat(args[0], 64)
		temp, err2 := strconv.ParseFloat(args[1], 64)
		up, err3 := strconv.ParseInt(args[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return unknown
		}
		return Message{Kind: MsgStatus, Battery: batt, TempC: temp, Uptime: up}

	case "ERROR":
		// Fault text may itself contain colons; keep the remainder intact.
		return Message{Kind: MsgError, Text: strings.Join(args, ":")}

	case "DEBUG":
		return Message{Kind: MsgDebug, Text: strings.Join(args, ":")}
	}

	return unknown
}

// EncodeCommand builds an outbound wire frame: fields joined with colons,
// terminated with \n.
func EncodeCommand(cmd string, fields ...string) []byte {
	if len(fields) == 0 {
		return []byte(cmd + "\n")
	}
	return []byte(cmd + ":" + strings.Join(fields, ":") + "\n")
}

func itoa64(v int64) string { return strconv.FormatInt(v, 10) }

func itoa(v int) string { return strconv.Itoa(v) }

// calKey builds the pending-table correlation key for a calibration ping.
// Pings are serialized (one outstanding at a time) and the device echoes
// the integer send time verbatim, so an exact match is unambiguous.
func calKey(sendTime int64) string { return "cal:" + itoa64(sendTime) }

// pressKey builds the pending-table correlation key for a button probe.
func pressKey(idx int) string { return fmt.Sprintf("press:%d", idx) }
