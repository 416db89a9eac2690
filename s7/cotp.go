package s7

import (
	"bytes"
	"fmt"
	"sync"
)

const (
	// COTP PDU Types (ISO 8073)
	cotpCR = 0xE0 // Connection Request
	cotpCC = 0xD0 // Connection Confirm
	cotpDT = 0xF0 // Data Transfer

	// COTP parameter codes
	cotpParamTPDUSize = 0xC0
	cotpParamSrcTSAP  = 0xC1
	cotpParamDstTSAP  = 0xC2

	// TPKT header + LI + type + dst ref + src ref + class
	cotpFixedHeaderSize = 11
	// LI counts the bytes after itself: type, refs, class, parameters.
	cotpLIBase = 6
)

// PduType is the COTP PDU type byte.
type PduType byte

const (
	PduConnectionRequest PduType = cotpCR
	PduConnectionConfirm PduType = cotpCC
	PduData              PduType = cotpDT
)

func (p PduType) String() string {
	switch p {
	case PduConnectionRequest:
		return "CR"
	case PduConnectionConfirm:
		return "CC"
	case PduData:
		return "DT"
	default:
		return fmt.Sprintf("0x%02X", byte(p))
	}
}

// ConnectionDatagram is a COTP connection request or confirm inside a
// TPKT frame. A nil parameter is absent and not encoded.
type ConnectionDatagram struct {
	Tpkt                 TpktHeader
	LengthIndicator      byte
	PduType              PduType
	DestinationReference int16
	SourceReference      int16
	ClassOption          byte

	TPDUSize        []byte
	SourceTSAP      []byte
	DestinationTSAP []byte
}

// BuildConnectionRequest returns a connection request populated from
// the context with the derived length fields already computed.
func BuildConnectionRequest(c *Context) (*ConnectionDatagram, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil context", ErrInvalidContext)
	}
	d := &ConnectionDatagram{
		PduType:         PduConnectionRequest,
		SourceReference: c.SourceReference,
		ClassOption:     c.ClassOption,
		TPDUSize:        []byte{c.TPDUSize},
		SourceTSAP:      bytes.Clone(c.SourceTSAP),
		DestinationTSAP: bytes.Clone(c.DestinationTSAP),
	}
	if d.SourceTSAP == nil {
		d.SourceTSAP = []byte{}
	}
	if d.DestinationTSAP == nil {
		d.DestinationTSAP = []byte{}
	}
	if err := d.Recompute(); err != nil {
		return nil, err
	}
	return d, nil
}

// BuildConnectionConfirm answers a connection request. References are
// swapped and the negotiated parameters echoed.
func BuildConnectionConfirm(req *ConnectionDatagram, sourceRef int16) (*ConnectionDatagram, error) {
	if req.PduType != PduConnectionRequest {
		return nil, fmt.Errorf("cannot confirm COTP %s", req.PduType)
	}
	d := &ConnectionDatagram{
		PduType:              PduConnectionConfirm,
		DestinationReference: req.SourceReference,
		SourceReference:      sourceRef,
		ClassOption:          req.ClassOption,
		TPDUSize:             bytes.Clone(req.TPDUSize),
		SourceTSAP:           bytes.Clone(req.SourceTSAP),
		DestinationTSAP:      bytes.Clone(req.DestinationTSAP),
	}
	if err := d.Recompute(); err != nil {
		return nil, err
	}
	return d, nil
}

type cotpParam struct {
	code  byte
	value []byte
}

// params lists the parameters in wire order.
func (d *ConnectionDatagram) params() [3]cotpParam {
	return [3]cotpParam{
		{cotpParamTPDUSize, d.TPDUSize},
		{cotpParamSrcTSAP, d.SourceTSAP},
		{cotpParamDstTSAP, d.DestinationTSAP},
	}
}

// Recompute derives LengthIndicator and the TPKT length from the
// parameters. Call it after changing any parameter.
func (d *ConnectionDatagram) Recompute() error {
	paramBytes := 0
	for _, p := range d.params() {
		if p.value == nil {
			continue
		}
		if len(p.value) > 0xFF {
			return fmt.Errorf("%w: parameter 0x%02X is %d bytes, max 255", ErrInvalidContext, p.code, len(p.value))
		}
		paramBytes += 2 + len(p.value)
	}
	li := cotpLIBase + paramBytes
	if li > 0xFE {
		return fmt.Errorf("%w: COTP length indicator %d exceeds 254", ErrInvalidContext, li)
	}
	h, err := newTpktHeader(tpktHeaderSize + 1 + li)
	if err != nil {
		return err
	}
	d.LengthIndicator = byte(li)
	d.Tpkt = h
	return nil
}

// Encode serializes the datagram. The byte count is checked against
// the TPKT length computed by Recompute.
func (d *ConnectionDatagram) Encode() ([]byte, error) {
	w := newWriter(make([]byte, 0, int(d.Tpkt.Length)))
	d.Tpkt.encode(w)
	w.u8(d.LengthIndicator)
	w.u8(byte(d.PduType))
	w.i16(d.DestinationReference)
	w.i16(d.SourceReference)
	w.u8(d.ClassOption)
	for _, p := range d.params() {
		if p.value == nil {
			continue
		}
		w.u8(p.code)
		w.u8(byte(len(p.value)))
		w.raw(p.value)
	}
	if w.len() != int(d.Tpkt.Length) {
		return nil, fmt.Errorf("%w: wrote %d, TPKT length %d", ErrLengthMismatch, w.len(), d.Tpkt.Length)
	}
	if w.len() != tpktHeaderSize+1+int(d.LengthIndicator) {
		return nil, fmt.Errorf("%w: wrote %d, length indicator %d", ErrLengthMismatch, w.len(), d.LengthIndicator)
	}
	return w.buf, nil
}

// DecodeConnection parses a connection request or confirm. Parameter
// values are copied, so buf may be reused once it returns. Unknown
// parameters are skipped by their length byte.
func DecodeConnection(buf []byte) (*ConnectionDatagram, error) {
	r := newReader("cotp", buf)
	d := &ConnectionDatagram{Tpkt: decodeTpktHeader(r)}
	if err := r.err(); err != nil {
		return nil, err
	}
	// Walk only the declared datagram; trailing bytes belong to the caller.
	r.buf = buf[:d.Tpkt.Length]

	d.LengthIndicator = r.u8("length indicator")
	d.PduType = PduType(r.u8("PDU type"))
	d.DestinationReference = r.i16("destination reference")
	d.SourceReference = r.i16("source reference")
	d.ClassOption = r.u8("class option")
	if err := r.err(); err != nil {
		return nil, err
	}
	if d.PduType != PduConnectionRequest && d.PduType != PduConnectionConfirm {
		r.pos = tpktHeaderSize + 1
		r.failf("unexpected COTP PDU type %s", d.PduType)
		return nil, r.err()
	}
	if int(d.LengthIndicator) < cotpLIBase || tpktHeaderSize+1+int(d.LengthIndicator) != int(d.Tpkt.Length) {
		r.pos = tpktHeaderSize
		r.failf("length indicator %d inconsistent with TPKT length %d", d.LengthIndicator, d.Tpkt.Length)
		return nil, r.err()
	}

	for r.remaining() > 0 {
		code := r.u8("parameter code")
		n := int(r.u8("parameter length"))
		value := r.bytes(n, fmt.Sprintf("parameter 0x%02X value", code))
		if err := r.err(); err != nil {
			return nil, err
		}
		switch code {
		case cotpParamTPDUSize:
			d.TPDUSize = value
		case cotpParamSrcTSAP:
			d.SourceTSAP = value
		case cotpParamDstTSAP:
			d.DestinationTSAP = value
		}
	}
	return d, nil
}

// DecodeConnectionRequest decodes and requires a CR PDU.
func DecodeConnectionRequest(buf []byte) (*ConnectionDatagram, error) {
	return decodeConnectionOf(buf, PduConnectionRequest)
}

// DecodeConnectionConfirm decodes and requires a CC PDU.
func DecodeConnectionConfirm(buf []byte) (*ConnectionDatagram, error) {
	return decodeConnectionOf(buf, PduConnectionConfirm)
}

func decodeConnectionOf(buf []byte, want PduType) (*ConnectionDatagram, error) {
	d, err := DecodeConnection(buf)
	if err != nil {
		return nil, err
	}
	if d.PduType != want {
		return nil, &MalformedError{Layer: "cotp", Offset: tpktHeaderSize + 1, Reason: fmt.Sprintf("expected COTP %s, got %s", want, d.PduType)}
	}
	return d, nil
}

// Correlate reports whether a confirm answers a request: both TSAP byte
// sequences must be identical.
func Correlate(req, confirm *ConnectionDatagram) bool {
	if req == nil || confirm == nil {
		return false
	}
	return bytes.Equal(req.SourceTSAP, confirm.SourceTSAP) &&
		bytes.Equal(req.DestinationTSAP, confirm.DestinationTSAP)
}

// PendingConnections tracks outstanding connection requests and
// matches confirms to them by Correlate, independent of arrival order.
type PendingConnections struct {
	mu      sync.Mutex
	pending []*ConnectionDatagram
}

// Add registers an outstanding request.
func (p *PendingConnections) Add(req *ConnectionDatagram) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, req)
}

// Match removes and returns the oldest request the confirm correlates with.
func (p *PendingConnections) Match(confirm *ConnectionDatagram) (*ConnectionDatagram, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, req := range p.pending {
		if Correlate(req, confirm) {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return req, true
		}
	}
	return nil, false
}

// Len returns the number of outstanding requests.
func (p *PendingConnections) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
