package s7

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers classify failures with errors.Is.
var (
	ErrMalformedDatagram = errors.New("s7: malformed datagram")
	ErrTransportFailure  = errors.New("s7: transport failure")
	ErrProviderFailure   = errors.New("s7: provider failure")
	ErrUnsupportedJob    = errors.New("s7: unsupported job")
	ErrPDUTooLarge       = errors.New("s7: PDU exceeds negotiated size")
	ErrInvalidContext    = errors.New("s7: invalid context")
	ErrLengthMismatch    = errors.New("s7: encoded length does not match header")
	ErrDispatcherClosed  = errors.New("s7: dispatcher closed")
)

// MalformedError describes where and why a decode failed.
type MalformedError struct {
	Layer  string // "tpkt", "cotp", "s7"
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed datagram at offset %d: %s", e.Layer, e.Offset, e.Reason)
}

// Is reports MalformedError as ErrMalformedDatagram.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedDatagram
}

// JobError is a job-level failure carrying the PDU reference and the
// stage the job had reached.
type JobError struct {
	Ref   uint16
	Stage JobState
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job 0x%04X failed while %s: %v", e.Ref, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// S7 Error Classes
const (
	errClassNoError     = 0x00
	errClassAppRelation = 0x81
	errClassObjDef      = 0x82
	errClassResource    = 0x83
	errClassService     = 0x84
	errClassNoResource  = 0x85 // No resource available (often PDU size exceeded)
	errClassAccess      = 0x87
)

// S7Error is a header-level error class/code pair from an ack.
type S7Error struct {
	Class byte
	Code  byte
}

// Error implements the error interface.
func (e S7Error) Error() string {
	return s7ErrorMessage(e.Class, e.Code)
}

func s7ErrorMessage(class, code byte) string {
	switch class {
	case errClassNoError:
		return "no error"
	case errClassAppRelation:
		return fmt.Sprintf("application relationship error (code %d)", code)
	case errClassObjDef:
		return fmt.Sprintf("object definition error (code %d)", code)
	case errClassResource:
		return fmt.Sprintf("resource error (code %d)", code)
	case errClassService:
		return fmt.Sprintf("service error (code %d)", code)
	case errClassNoResource:
		return fmt.Sprintf("no resource available - request may exceed PDU size (code %d)", code)
	case errClassAccess:
		return fmt.Sprintf("access error (code %d)", code)
	default:
		return fmt.Sprintf("S7 error class 0x%02X code %d", class, code)
	}
}

// ReturnCode is the per-item status of a read result.
type ReturnCode byte

const (
	ReturnSuccess          ReturnCode = 0xFF
	ReturnHardwareFault    ReturnCode = 0x01
	ReturnAccessDenied     ReturnCode = 0x03
	ReturnAddressError     ReturnCode = 0x05
	ReturnTypeError        ReturnCode = 0x06
	ReturnTypeInconsistent ReturnCode = 0x07 // Data type/size mismatch
	ReturnNotExist         ReturnCode = 0x0A
)

// OK reports whether the item carries data.
func (c ReturnCode) OK() bool { return c == ReturnSuccess }

func (c ReturnCode) String() string {
	switch c {
	case ReturnSuccess:
		return "success"
	case ReturnHardwareFault:
		return "hardware fault"
	case ReturnAccessDenied:
		return "access denied"
	case ReturnAddressError:
		return "invalid address"
	case ReturnTypeError:
		return "data type not supported"
	case ReturnTypeInconsistent:
		return "data type/size mismatch"
	case ReturnNotExist:
		return "object does not exist"
	default:
		return fmt.Sprintf("data item error 0x%02X", byte(c))
	}
}
