package s7

import (
	"fmt"
	"sync"
)

const (
	s7ProtocolID = 0x32

	s7JobHeaderSize = 10
	s7AckHeaderSize = 12 // job header + error class/code

	// Functions
	s7FuncRead      = 0x04
	s7FuncWrite     = 0x05
	s7FuncSetupComm = 0xF0

	// S7ANY constants
	s7AnySpecType = 0x12
	s7AnyLen      = 0x0A
	s7AnySyntaxID = 0x10
	s7AnyItemSize = 12

	maxReadItems = 0xFF
)

// MessageType is the ROSCTR byte of the S7 header.
type MessageType byte

const (
	MessageJob      MessageType = 0x01
	MessageAck      MessageType = 0x02
	MessageAckData  MessageType = 0x03
	MessageUserData MessageType = 0x07
)

func (m MessageType) String() string {
	switch m {
	case MessageJob:
		return "Job"
	case MessageAck:
		return "Ack"
	case MessageAckData:
		return "AckData"
	case MessageUserData:
		return "UserData"
	default:
		return fmt.Sprintf("0x%02X", byte(m))
	}
}

func (m MessageType) headerSize() int {
	if m == MessageAck || m == MessageAckData {
		return s7AckHeaderSize
	}
	return s7JobHeaderSize
}

// Header is the S7 PDU header. ErrorClass and ErrorCode are only on
// the wire for ack message types.
type Header struct {
	MessageType     MessageType
	Reserved        uint16
	PDUReference    uint16
	ParameterLength uint16
	DataLength      uint16
	ErrorClass      byte
	ErrorCode       byte
}

// Size returns the encoded PDU size implied by the header.
func (h Header) Size() int {
	return h.MessageType.headerSize() + int(h.ParameterLength) + int(h.DataLength)
}

func (h Header) encode(w *writer) {
	w.u8(s7ProtocolID)
	w.u8(byte(h.MessageType))
	w.u16(h.Reserved)
	w.u16(h.PDUReference)
	w.u16(h.ParameterLength)
	w.u16(h.DataLength)
	if h.MessageType.headerSize() == s7AckHeaderSize {
		w.u8(h.ErrorClass)
		w.u8(h.ErrorCode)
	}
}

func decodeHeader(r *reader) Header {
	id := r.u8("protocol id")
	if r.err() == nil && id != s7ProtocolID {
		r.pos--
		r.failf("invalid protocol ID 0x%02X", id)
	}
	h := Header{
		MessageType:     MessageType(r.u8("message type")),
		Reserved:        r.u16("reserved"),
		PDUReference:    r.u16("PDU reference"),
		ParameterLength: r.u16("parameter length"),
		DataLength:      r.u16("data length"),
	}
	if h.MessageType.headerSize() == s7AckHeaderSize {
		h.ErrorClass = r.u8("error class")
		h.ErrorCode = r.u8("error code")
	}
	if r.err() == nil && h.Size() > len(r.buf) {
		r.failf("header declares %d bytes, PDU has %d", h.Size(), len(r.buf))
	}
	return h
}

// PeekHeader decodes only the S7 header and the first parameter byte,
// which is the function code for job and ack-data PDUs.
func PeekHeader(pdu []byte) (Header, byte, error) {
	r := newReader("s7", pdu)
	h := decodeHeader(r)
	var fn byte
	if h.ParameterLength > 0 {
		fn = r.u8("function")
	}
	return h, fn, r.err()
}

// ReadItemSpec is one S7ANY item as carried in a read job.
type ReadItemSpec struct {
	SpecType       byte
	ItemSpecLength byte
	SyntaxID       byte
	TransportSize  TransportSize
	Count          uint16
	DBNumber       uint16
	Area           Area
	Address        []byte // 24-bit bit address, raw
}

// ReadJobDatagram is a decoded read job request.
type ReadJobDatagram struct {
	Header   Header
	Function byte
	Items    []ReadItemSpec
}

// DecodeReadJob parses an S7 read job PDU. Area and transport size
// codes must be known. Item addresses are copied out of pdu.
func DecodeReadJob(pdu []byte) (*ReadJobDatagram, error) {
	r := newReader("s7", pdu)
	h := decodeHeader(r)
	if err := r.err(); err != nil {
		return nil, err
	}
	if h.MessageType != MessageJob {
		return nil, &MalformedError{Layer: "s7", Offset: 1, Reason: fmt.Sprintf("expected Job, got %s", h.MessageType)}
	}
	// Items live in the parameter block only.
	r.buf = pdu[:s7JobHeaderSize+int(h.ParameterLength)]

	d := &ReadJobDatagram{Header: h, Function: r.u8("function")}
	if r.err() == nil && d.Function != s7FuncRead {
		return nil, fmt.Errorf("%w: function 0x%02X", ErrUnsupportedJob, d.Function)
	}
	count := int(r.u8("item count"))
	if err := r.err(); err != nil {
		return nil, err
	}
	if need := count * s7AnyItemSize; r.remaining() < need {
		r.failf("%d items need %d parameter bytes, %d remaining", count, need, r.remaining())
		return nil, r.err()
	}

	d.Items = make([]ReadItemSpec, 0, count)
	for i := 0; i < count; i++ {
		item := decodeReadItemSpec(r)
		if err := r.err(); err != nil {
			return nil, err
		}
		d.Items = append(d.Items, item)
	}
	if r.remaining() != 0 {
		r.failf("%d trailing parameter bytes", r.remaining())
		return nil, r.err()
	}
	return d, nil
}

func decodeReadItemSpec(r *reader) ReadItemSpec {
	start := r.offset()
	item := ReadItemSpec{
		SpecType:       r.u8("item spec type"),
		ItemSpecLength: r.u8("item spec length"),
		SyntaxID:       r.u8("item syntax id"),
	}
	tsCode := r.u8("transport size")
	item.Count = r.u16("item count")
	item.DBNumber = r.u16("DB number")
	areaCode := r.u8("area")
	item.Address = r.bytes(3, "item address")
	if r.err() != nil {
		return item
	}

	fail := func(off int, format string, args ...any) {
		r.pos = start + off
		r.failf(format, args...)
	}
	if item.SpecType != s7AnySpecType {
		fail(0, "item spec type 0x%02X, want 0x%02X", item.SpecType, s7AnySpecType)
		return item
	}
	if item.ItemSpecLength != s7AnyLen {
		fail(1, "item spec length %d, want %d", item.ItemSpecLength, s7AnyLen)
		return item
	}
	if item.SyntaxID != s7AnySyntaxID {
		fail(2, "item syntax id 0x%02X, want S7ANY", item.SyntaxID)
		return item
	}
	ts, err := TransportSizeFromCode(tsCode)
	if err != nil {
		fail(3, "%v", err)
		return item
	}
	area, err := AreaFromCode(areaCode)
	if err != nil {
		fail(8, "%v", err)
		return item
	}
	item.TransportSize = ts
	item.Area = area
	return item
}

// ReadRequestItem is a read job item in semantic form, as handed to a
// Provider.
type ReadRequestItem struct {
	Area           Area
	DBNumber       uint16 // meaningful for AreaDB and AreaDI
	ItemSpecLength uint16
	Offset         uint32 // bit offset for BIT, element number for timers/counters, byte offset otherwise
	TransportSize  TransportSize
	Count          uint16
	Address        []byte
}

func (it ReadRequestItem) String() string {
	if it.Area == AreaDB || it.Area == AreaDI {
		return fmt.Sprintf("%s%d@%d %sx%d", it.Area, it.DBNumber, it.Offset, it.TransportSize, it.Count)
	}
	return fmt.Sprintf("%s@%d %sx%d", it.Area, it.Offset, it.TransportSize, it.Count)
}

// Translate maps wire items to request items, one for one, in order.
func Translate(d *ReadJobDatagram) []ReadRequestItem {
	out := make([]ReadRequestItem, len(d.Items))
	for i, it := range d.Items {
		out[i] = ReadRequestItem{
			Area:           it.Area,
			DBNumber:       it.DBNumber,
			ItemSpecLength: uint16(it.ItemSpecLength),
			Offset:         offsetFromAddress(it.Address, it.TransportSize),
			TransportSize:  it.TransportSize,
			Count:          it.Count,
			Address:        it.Address,
		}
	}
	return out
}

func bitAddress(addr []byte) uint32 {
	if len(addr) != 3 {
		return 0
	}
	return uint32(addr[0])<<16 | uint32(addr[1])<<8 | uint32(addr[2])
}

func offsetFromAddress(addr []byte, ts TransportSize) uint32 {
	bits := bitAddress(addr)
	switch ts {
	case TransportBit, TransportCounter, TransportTimer:
		return bits
	default:
		return bits >> 3
	}
}

func addressFromOffset(off uint32, ts TransportSize) ([]byte, error) {
	bits := uint64(off)
	switch ts {
	case TransportBit, TransportCounter, TransportTimer:
	default:
		bits <<= 3
	}
	if bits > 0xFFFFFF {
		return nil, fmt.Errorf("offset %d does not fit a 24-bit address", off)
	}
	return []byte{byte(bits >> 16), byte(bits >> 8), byte(bits)}, nil
}

// EncodeReadJob builds a read job PDU. Items with a 3-byte Address use
// it verbatim, otherwise the address is derived from Offset.
func EncodeReadJob(ref uint16, items []ReadRequestItem) ([]byte, error) {
	if len(items) > maxReadItems {
		return nil, fmt.Errorf("%d read items, max %d", len(items), maxReadItems)
	}
	h := Header{
		MessageType:     MessageJob,
		PDUReference:    ref,
		ParameterLength: uint16(2 + len(items)*s7AnyItemSize),
	}
	w := newWriter(make([]byte, 0, h.Size()))
	h.encode(w)
	w.u8(s7FuncRead)
	w.u8(byte(len(items)))
	for i, it := range items {
		ts, err := it.TransportSize.Code()
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		area, err := it.Area.Code()
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		addr := it.Address
		if len(addr) != 3 {
			if addr, err = addressFromOffset(it.Offset, it.TransportSize); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
		}
		w.u8(s7AnySpecType)
		w.u8(s7AnyLen)
		w.u8(s7AnySyntaxID)
		w.u8(ts)
		w.u16(it.Count)
		w.u16(it.DBNumber)
		w.u8(area)
		w.raw(addr)
	}
	if w.len() != h.Size() {
		return nil, fmt.Errorf("%w: wrote %d, header says %d", ErrLengthMismatch, w.len(), h.Size())
	}
	return w.buf, nil
}

// ReadResultItem is the provider's answer for one request item.
type ReadResultItem struct {
	ReturnCode    ReturnCode
	TransportSize DataTransportSize
	Data          []byte
}

// ResultOK returns a successful result.
func ResultOK(ts DataTransportSize, data []byte) ReadResultItem {
	return ReadResultItem{ReturnCode: ReturnSuccess, TransportSize: ts, Data: data}
}

// ResultError returns a failed result carrying no data.
func ResultError(code ReturnCode) ReadResultItem {
	return ReadResultItem{ReturnCode: code}
}

var ackBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, MaxPDUSize)
		return &b
	},
}

// ReleaseAckBuffer returns a buffer from EncodeReadJobAck to the pool.
func ReleaseAckBuffer(buf []byte) {
	if cap(buf) < MaxPDUSize {
		return
	}
	buf = buf[:0]
	ackBufPool.Put(&buf)
}

func itemLengthField(ts DataTransportSize, n int) int {
	switch {
	case ts == DataBit:
		return n
	case ts.lengthInBits():
		return n * 8
	default:
		return n
	}
}

func itemByteLength(ts DataTransportSize, field int) int {
	switch {
	case ts == DataBit:
		return field
	case ts.lengthInBits():
		return (field + 7) / 8
	default:
		return field
	}
}

// EncodeReadJobAck builds the ack-data PDU answering read job ref.
// Results are written in order. The buffer comes from a pool and may
// be larger than needed; n is the valid length. Pass buf to
// ReleaseAckBuffer once it has been sent.
func EncodeReadJobAck(c *Context, ref uint16, results []ReadResultItem) (buf []byte, n int, err error) {
	if len(results) > maxReadItems {
		return nil, 0, fmt.Errorf("%d read results, max %d", len(results), maxReadItems)
	}

	dataLen := 0
	for i, res := range results {
		if !res.ReturnCode.OK() {
			dataLen += 4
			continue
		}
		if !res.TransportSize.valid() || res.TransportSize == DataNull {
			return nil, 0, fmt.Errorf("result %d: invalid data transport size 0x%02X", i, byte(res.TransportSize))
		}
		if itemLengthField(res.TransportSize, len(res.Data)) > 0xFFFF {
			return nil, 0, fmt.Errorf("result %d: %d data bytes do not fit the length field", i, len(res.Data))
		}
		dataLen += 4 + len(res.Data)
		if i < len(results)-1 && len(res.Data)%2 == 1 {
			dataLen++
		}
	}

	h := Header{
		MessageType:     MessageAckData,
		PDUReference:    ref,
		ParameterLength: 2,
		DataLength:      uint16(dataLen),
	}
	total := s7AckHeaderSize + 2 + dataLen
	if c != nil && c.PDUSize > 0 && total > int(c.PDUSize) {
		return nil, 0, fmt.Errorf("%w: ack is %d bytes, negotiated %d", ErrPDUTooLarge, total, c.PDUSize)
	}
	if dataLen > 0xFFFF {
		return nil, 0, fmt.Errorf("%w: ack data is %d bytes", ErrPDUTooLarge, dataLen)
	}

	pooled := ackBufPool.Get().(*[]byte)
	w := newWriter(*pooled)
	h.encode(w)
	w.u8(s7FuncRead)
	w.u8(byte(len(results)))
	for i, res := range results {
		if !res.ReturnCode.OK() {
			w.u8(byte(res.ReturnCode))
			w.u8(byte(DataNull))
			w.u16(0)
			continue
		}
		w.u8(byte(res.ReturnCode))
		w.u8(byte(res.TransportSize))
		w.u16(uint16(itemLengthField(res.TransportSize, len(res.Data))))
		w.raw(res.Data)
		// Items are padded to even bytes (except last)
		if i < len(results)-1 && len(res.Data)%2 == 1 {
			w.zeros(1)
		}
	}
	if w.len() != total {
		ReleaseAckBuffer(w.buf)
		return nil, 0, fmt.Errorf("%w: wrote %d, expected %d", ErrLengthMismatch, w.len(), total)
	}
	return w.buf, w.len(), nil
}

// ReadJobAckDatagram is a decoded read job acknowledgement.
type ReadJobAckDatagram struct {
	Header   Header
	Function byte
	Items    []ReadResultItem
}

// DecodeReadJobAck parses an ack-data PDU for a read job. A header
// error class is returned as S7Error alongside the decoded header.
func DecodeReadJobAck(pdu []byte) (*ReadJobAckDatagram, error) {
	r := newReader("s7", pdu)
	h := decodeHeader(r)
	if err := r.err(); err != nil {
		return nil, err
	}
	if h.MessageType != MessageAckData {
		return nil, &MalformedError{Layer: "s7", Offset: 1, Reason: fmt.Sprintf("expected AckData, got %s", h.MessageType)}
	}
	d := &ReadJobAckDatagram{Header: h}
	if h.ErrorClass != 0 || h.ErrorCode != 0 {
		return d, S7Error{Class: h.ErrorClass, Code: h.ErrorCode}
	}
	r.buf = pdu[:h.Size()]

	d.Function = r.u8("function")
	count := int(r.u8("item count"))
	if err := r.err(); err != nil {
		return nil, err
	}
	if d.Function != s7FuncRead {
		return nil, fmt.Errorf("%w: function 0x%02X", ErrUnsupportedJob, d.Function)
	}
	r.skip(int(h.ParameterLength)-2, "parameters")

	d.Items = make([]ReadResultItem, 0, count)
	for i := 0; i < count; i++ {
		rc := ReturnCode(r.u8("return code"))
		ts := DataTransportSize(r.u8("data transport size"))
		field := int(r.u16("data length"))
		if r.err() == nil && !ts.valid() {
			r.failf("unknown data transport size 0x%02X", byte(ts))
		}
		n := itemByteLength(ts, field)
		data := r.bytes(n, "item data")
		if i < count-1 && n%2 == 1 {
			r.skip(1, "item padding")
		}
		if err := r.err(); err != nil {
			return nil, err
		}
		d.Items = append(d.Items, ReadResultItem{ReturnCode: rc, TransportSize: ts, Data: data})
	}
	return d, nil
}
