package link

import (
	"reflect"
	"testing"
)

func TestDecoderReassemblesSplitLines(t *testing.T) {
	var d Decoder

	// A line split across three arbitrary chunk boundaries must come
	// out whole, and only once its terminator arrives.
	if got := d.Feed([]byte("BTN_PRE")); got != nil {
		t.Fatalf("partial chunk produced lines: %v", got)
	}
	if got := d.Feed([]byte("SS:2:10")); got != nil {
		t.Fatalf("partial chunk produced lines: %v", got)
	}
	got := d.Feed([]byte("50\nSTATUS:3.9"))
	want := []string{"BTN_PRESS:2:1050"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Feed = %v, want %v", got, want)
	}

	got = d.Feed([]byte(":22.1:500\n"))
	want = []string{"STATUS:3.9:22.1:500"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Feed = %v, want %v", got, want)
	}
}

func TestDecoderMultipleLinesPerChunk(t *testing.T) {
	var d Decoder
	got := d.Feed([]byte("BTN_PRESS:0:1\r\nBTN_RELEASE:0:5:4\nDEBUG:x\n"))
	want := []string{"BTN_PRESS:0:1", "BTN_RELEASE:0:5:4", "DEBUG:x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Feed = %v, want %v", got, want)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want Message
	}{
		{"BTN_PRESS:2:12345", Message{Kind: MsgButtonPress, Button: 2, DeviceTime: 12345}},
		{"BTN_RELEASE:0:13000:655", Message{Kind: MsgButtonRelease, Button: 0, DeviceTime: 13000, DeviceHold: 655}},
		{"CALIBRATE_RESPONSE:1700000000123:4567", Message{Kind: MsgCalibrateResponse, OrigSendTime: 1700000000123, DeviceRecvTime: 4567}},
		{"STATUS:4.02:24.5:360000", Message{Kind: MsgStatus, Battery: 4.02, TempC: 24.5, Uptime: 360000}},
		{"ERROR:sensor fault: channel 3", Message{Kind: MsgError, Text: "sensor fault: channel 3"}},
		{"DEBUG:boot ok", Message{Kind: MsgDebug, Text: "boot ok"}},

		// Malformed input never parses into a typed message.
		{"BTN_PRESS:9:1000", Message{Kind: MsgUnknown, Raw: "BTN_PRESS:9:1000"}},   // index out of range
		{"BTN_PRESS:1", Message{Kind: MsgUnknown, Raw: "BTN_PRESS:1"}},             // missing field
		{"BTN_RELEASE:1:abc:5", Message{Kind: MsgUnknown, Raw: "BTN_RELEASE:1:abc:5"}},
		{"NOISE_COMMAND:1:2", Message{Kind: MsgUnknown, Raw: "NOISE_COMMAND:1:2"}},
		{"garbage", Message{Kind: MsgUnknown, Raw: "garbage"}},
	}
	for _, tt := range tests {
		if got := ParseLine(tt.line); got != tt.want {
			t.Errorf("ParseLine(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestEncodeCommand(t *testing.T) {
	if got := string(EncodeCommand(cmdClear)); got != "CLEAR\n" {
		t.Errorf("bare command = %q", got)
	}
	if got := string(EncodeCommand(cmdCalibratePing, "12345")); got != "CALIBRATE_PING:12345\n" {
		t.Errorf("one field = %q", got)
	}
	if got := string(EncodeCommand(cmdPixel, "3", "7", "128")); got != "PIXEL:3:7:128\n" {
		t.Errorf("multi field = %q", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var d Decoder
	frame := EncodeCommand("BTN_PRESS", "1", "999")
	lines := d.Feed(frame)
	if len(lines) != 1 {
		t.Fatalf("got %d lines", len(lines))
	}
	msg := ParseLine(lines[0])
	if msg.Kind != MsgButtonPress || msg.Button != 1 || msg.DeviceTime != 999 {
		t.Fatalf("round trip = %+v", msg)
	}
}
