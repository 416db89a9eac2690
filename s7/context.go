package s7

import (
	"fmt"
	"time"
)

const (
	defaultPDUSize   = 480
	MaxPDUSize       = 960
	cotpTPDUSize1024 = 0x0A // 2^10 = 1024 bytes

	minTPDUSizeCode = 0x07 // 128 bytes
	maxTPDUSizeCode = 0x0D // 8192 bytes
)

// Context carries the negotiated session values the codec needs to
// build outgoing datagrams.
type Context struct {
	SourceTSAP      []byte
	DestinationTSAP []byte
	TPDUSize        byte   // COTP TPDU size code, 2^n bytes
	PDUSize         uint16 // negotiated S7 PDU size
	SourceReference int16
	ClassOption     byte
	JobTimeout      time.Duration // 0 disables the per-job deadline
}

// NewContext returns a context for a PLC at rack/slot. TSAP format:
// local = 01 00, remote = 01 (rack<<5 | slot).
func NewContext(rack, slot int) (*Context, error) {
	if rack < 0 || rack > 7 {
		return nil, fmt.Errorf("%w: rack %d out of range 0-7", ErrInvalidContext, rack)
	}
	if slot < 0 || slot > 31 {
		return nil, fmt.Errorf("%w: slot %d out of range 0-31", ErrInvalidContext, slot)
	}
	return &Context{
		SourceTSAP:      []byte{0x01, 0x00},
		DestinationTSAP: []byte{0x01, byte(rack<<5 | slot)},
		TPDUSize:        cotpTPDUSize1024,
		PDUSize:         defaultPDUSize,
		SourceReference: 0x0001,
	}, nil
}

// Validate checks field ranges.
func (c *Context) Validate() error {
	if len(c.SourceTSAP) > 0xFF {
		return fmt.Errorf("%w: source TSAP is %d bytes, max 255", ErrInvalidContext, len(c.SourceTSAP))
	}
	if len(c.DestinationTSAP) > 0xFF {
		return fmt.Errorf("%w: destination TSAP is %d bytes, max 255", ErrInvalidContext, len(c.DestinationTSAP))
	}
	if c.TPDUSize < minTPDUSizeCode || c.TPDUSize > maxTPDUSizeCode {
		return fmt.Errorf("%w: TPDU size code 0x%02X out of range", ErrInvalidContext, c.TPDUSize)
	}
	if c.PDUSize < s7AckHeaderSize+2 {
		return fmt.Errorf("%w: PDU size %d too small", ErrInvalidContext, c.PDUSize)
	}
	if c.PDUSize > MaxPDUSize {
		return fmt.Errorf("%w: PDU size %d exceeds %d", ErrInvalidContext, c.PDUSize, MaxPDUSize)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("%w: negative job timeout", ErrInvalidContext)
	}
	return nil
}

// TPDUBytes returns the TPDU size in bytes.
func (c *Context) TPDUBytes() int {
	return 1 << c.TPDUSize
}
