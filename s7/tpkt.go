package s7

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultPort is the ISO-on-TCP port.
	DefaultPort = 102

	// TPKT constants (RFC 1006)
	tpktVersion    = 0x03
	tpktReserved   = 0x00
	tpktHeaderSize = 4
	tpktMaxLength  = 0xFFFF

	// COTP DT header: LI, PDU type, TPDU-NR/EOT
	cotpDTHeaderSize = 3
	cotpDTEOT        = 0x80
)

// TpktHeader is the 4-byte RFC 1006 frame header. Length counts the
// whole datagram including the header.
type TpktHeader struct {
	Sync1  byte
	Sync2  byte
	Length uint16
}

func newTpktHeader(length int) (TpktHeader, error) {
	if length < tpktHeaderSize || length > tpktMaxLength {
		return TpktHeader{}, fmt.Errorf("TPKT length %d out of range", length)
	}
	return TpktHeader{Sync1: tpktVersion, Sync2: tpktReserved, Length: uint16(length)}, nil
}

func (h TpktHeader) encode(w *writer) {
	w.u8(h.Sync1)
	w.u8(h.Sync2)
	w.u16(h.Length)
}

// decodeTpktHeader reads the header and checks that the declared
// length fits the buffer the reader walks.
func decodeTpktHeader(r *reader) TpktHeader {
	h := TpktHeader{
		Sync1:  r.u8("TPKT version"),
		Sync2:  r.u8("TPKT reserved"),
		Length: r.u16("TPKT length"),
	}
	if r.err() != nil {
		return h
	}
	if h.Sync1 != tpktVersion {
		r.failf("invalid TPKT version 0x%02X", h.Sync1)
	}
	if int(h.Length) < tpktHeaderSize {
		r.failf("TPKT length %d shorter than header", h.Length)
	}
	if int(h.Length) > len(r.buf) {
		r.failf("TPKT length %d exceeds buffer of %d bytes", h.Length, len(r.buf))
	}
	return h
}

// NextFrame splits one TPKT frame off the front of a stream buffer.
// It returns a nil frame when buf does not yet hold a complete frame.
// The returned frame aliases buf.
func NextFrame(buf []byte) (frame, rest []byte, err error) {
	if len(buf) < tpktHeaderSize {
		return nil, buf, nil
	}
	if buf[0] != tpktVersion {
		return nil, buf, &MalformedError{Layer: "tpkt", Offset: 0, Reason: fmt.Sprintf("invalid TPKT version 0x%02X", buf[0])}
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length < tpktHeaderSize {
		return nil, buf, &MalformedError{Layer: "tpkt", Offset: 2, Reason: fmt.Sprintf("TPKT length %d shorter than header", length)}
	}
	if len(buf) < length {
		return nil, buf, nil
	}
	return buf[:length], buf[length:], nil
}

// EncodeDataTPDU frames an S7 PDU as TPKT + COTP DT. It returns the
// buffer and its valid length.
func EncodeDataTPDU(pdu []byte) ([]byte, int, error) {
	total := tpktHeaderSize + cotpDTHeaderSize + len(pdu)
	h, err := newTpktHeader(total)
	if err != nil {
		return nil, 0, err
	}
	w := newWriter(make([]byte, 0, total))
	h.encode(w)
	w.u8(cotpDTHeaderSize - 1)
	w.u8(cotpDT)
	w.u8(cotpDTEOT)
	w.raw(pdu)
	if w.len() != int(h.Length) {
		return nil, 0, fmt.Errorf("%w: wrote %d, header says %d", ErrLengthMismatch, w.len(), h.Length)
	}
	return w.buf, w.len(), nil
}

// DecodeDataTPDU validates a TPKT + COTP DT frame and returns an owned
// copy of the S7 PDU it carries.
func DecodeDataTPDU(frame []byte) ([]byte, error) {
	r := newReader("tpkt", frame)
	h := decodeTpktHeader(r)
	if err := r.err(); err != nil {
		return nil, err
	}
	r = newReader("cotp", frame[:h.Length])
	r.skip(tpktHeaderSize, "TPKT header")
	li := r.u8("length indicator")
	pduType := r.u8("PDU type")
	if r.err() == nil && pduType != cotpDT {
		r.failf("expected COTP DT, got 0x%02X", pduType)
	}
	if r.err() == nil && li < 2 {
		r.failf("DT length indicator %d too small", li)
	}
	r.skip(int(li)-1, "DT header")
	pdu := r.bytes(r.remaining(), "S7 PDU")
	if err := r.err(); err != nil {
		return nil, err
	}
	return pdu, nil
}

// FrameType peeks at the COTP PDU type of a complete TPKT frame.
func FrameType(frame []byte) (PduType, error) {
	if len(frame) < tpktHeaderSize+2 {
		return 0, &MalformedError{Layer: "cotp", Offset: len(frame), Reason: "frame too short for COTP header"}
	}
	return PduType(frame[tpktHeaderSize+1]), nil
}
