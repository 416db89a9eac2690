package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestHexDump(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{"empty", nil, []string{"(empty)"}},
		{"short", []byte{0x03, 0x00, 0x00, 0x16}, []string{"0000: 03 00 00 16"}},
		{"two lines", bytes.Repeat([]byte{'A'}, 18), []string{"0000: 41 41", "0010: 41 41", "AAAAAAAAAAAAAAAA"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hexDump(tt.data)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("hexDump() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestDebugLogger_Filter(t *testing.T) {
	var buf bytes.Buffer
	l := NewDebugLoggerWriter(&buf)
	l.SetFilter("s7")

	l.LogRX("tpkt", []byte{0x03, 0x00})
	l.Log("mqtt", "should be filtered")
	l.LogError("s7", "read job", errors.New("provider down"))

	out := buf.String()
	if !strings.Contains(out, "dir=RX") {
		t.Errorf("tpkt packet should pass an s7 filter: %s", out)
	}
	if strings.Contains(out, "should be filtered") {
		t.Errorf("mqtt message should be filtered: %s", out)
	}
	if !strings.Contains(out, "ERROR in read job: provider down") {
		t.Errorf("missing error line: %s", out)
	}
}

func TestDebugLogger_Close(t *testing.T) {
	var buf bytes.Buffer
	l := NewDebugLoggerWriter(&buf)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	l.Log("s7", "after close")
	if strings.Contains(buf.String(), "after close") {
		t.Error("logged after close")
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestGlobalDebugHelpers(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalDebugLogger(NewDebugLoggerWriter(&buf))
	defer SetGlobalDebugLogger(nil)

	DebugTX("s7", []byte{0x32, 0x03})
	if !strings.Contains(buf.String(), "32 03") {
		t.Errorf("DebugTX did not write hex dump: %s", buf.String())
	}

	SetGlobalDebugLogger(nil)
	DebugLog("s7", "no logger installed")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"debug", false},
		{"WARN", false},
		{"noisy", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestKnownProtocols(t *testing.T) {
	got := KnownProtocols()
	for _, want := range []string{"s7", "cotp", "tpkt", "engine", "api"} {
		found := false
		for _, p := range got {
			if p == want {
				found = true
			}
		}
		if !found {
			t.Errorf("KnownProtocols() missing %q", want)
		}
	}

	got[0] = "changed"
	if KnownProtocols()[0] == "changed" {
		t.Error("KnownProtocols() returned the shared slice")
	}
}
