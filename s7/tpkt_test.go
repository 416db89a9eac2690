package s7

import (
	"bytes"
	"errors"
	"testing"
)

func TestDataTPDU(t *testing.T) {
	pdu := mustHex(t, "320300001234000200050000"+"0401ff0400082a")
	frame, n, err := EncodeDataTPDU(pdu)
	if err != nil {
		t.Fatalf("EncodeDataTPDU: %v", err)
	}
	if n != len(pdu)+7 || len(frame) != n {
		t.Fatalf("n = %d, len = %d, want %d", n, len(frame), len(pdu)+7)
	}
	if !bytes.Equal(frame[:7], []byte{0x03, 0x00, 0x00, byte(n), 0x02, 0xF0, 0x80}) {
		t.Errorf("header = % X", frame[:7])
	}

	back, err := DecodeDataTPDU(frame)
	if err != nil {
		t.Fatalf("DecodeDataTPDU: %v", err)
	}
	if !bytes.Equal(back, pdu) {
		t.Errorf("payload = % X, want % X", back, pdu)
	}

	if typ, err := FrameType(frame); err != nil || typ != PduData {
		t.Errorf("FrameType = %v, %v", typ, err)
	}
}

func TestDecodeDataTPDU_Malformed(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{"short", "030000"},
		{"length past buffer", "03000010" + "02f080"},
		{"connection request", "03000016" + "11e00000000100c0010ac1020100c2020102"},
		{"bad LI", "03000008" + "00f08032"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeDataTPDU(mustHex(t, tt.hex)); !errors.Is(err, ErrMalformedDatagram) {
				t.Errorf("err = %v, want ErrMalformedDatagram", err)
			}
		})
	}
}

func TestNextFrame(t *testing.T) {
	a := mustHex(t, "0300000702f080")
	b := mustHex(t, "03000016"+"11e00000000100c0010ac1020100c2020102")
	stream := append(append(append([]byte{}, a...), b...), 0x03, 0x00)

	frame, rest, err := NextFrame(stream)
	if err != nil || !bytes.Equal(frame, a) {
		t.Fatalf("first frame = % X, %v", frame, err)
	}
	frame, rest, err = NextFrame(rest)
	if err != nil || !bytes.Equal(frame, b) {
		t.Fatalf("second frame = % X, %v", frame, err)
	}
	frame, rest, err = NextFrame(rest)
	if err != nil || frame != nil || len(rest) != 2 {
		t.Fatalf("partial frame: frame=% X rest=% X err=%v", frame, rest, err)
	}

	if _, _, err := NextFrame([]byte{0x45, 0x00, 0x00, 0x10}); !errors.Is(err, ErrMalformedDatagram) {
		t.Errorf("bad version: err = %v", err)
	}
	if _, _, err := NextFrame([]byte{0x03, 0x00, 0x00, 0x02}); !errors.Is(err, ErrMalformedDatagram) {
		t.Errorf("short length: err = %v", err)
	}
}
