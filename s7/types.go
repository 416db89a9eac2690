// Package s7 implements the Siemens S7 protocol stack over ISO-on-TCP:
// TPKT/COTP connection negotiation, the S7 read job codec and the job
// dispatch pipeline that answers read jobs through a data provider.
package s7

import "fmt"

// Area represents an S7 memory area.
type Area int

const (
	AreaDB        Area = iota // Data Block
	AreaI                     // Process Image Input (IB, IW, ID)
	AreaQ                     // Process Image Output (QB, QW, QD)
	AreaM                     // Merker/Flag (MB, MW, MD)
	AreaT                     // Timer
	AreaC                     // Counter
	AreaDI                    // Instance data block
	AreaLocal                 // Local data
	AreaV                     // V memory (S7-200)
	AreaSysInfo               // System info
	AreaSysFlags              // System flags
	AreaAnalogIn              // Analog inputs (S7-200)
	AreaAnalogOut             // Analog outputs (S7-200)
	AreaC200                  // IEC counters (S7-200)
	AreaT200                  // IEC timers (S7-200)
)

// Area codes (for S7ANY addressing)
const (
	s7AreaSysInfo = 0x03
	s7AreaSysFlg  = 0x05
	s7AreaAnaIn   = 0x06
	s7AreaAnaOut  = 0x07
	s7AreaC       = 0x1C
	s7AreaT       = 0x1D
	s7AreaC200    = 0x1E
	s7AreaT200    = 0x1F
	s7AreaI       = 0x81
	s7AreaQ       = 0x82
	s7AreaM       = 0x83
	s7AreaDB      = 0x84
	s7AreaDI      = 0x85
	s7AreaLocal   = 0x86
	s7AreaV       = 0x87
)

var areaCodes = map[Area]byte{
	AreaDB:        s7AreaDB,
	AreaI:         s7AreaI,
	AreaQ:         s7AreaQ,
	AreaM:         s7AreaM,
	AreaT:         s7AreaT,
	AreaC:         s7AreaC,
	AreaDI:        s7AreaDI,
	AreaLocal:     s7AreaLocal,
	AreaV:         s7AreaV,
	AreaSysInfo:   s7AreaSysInfo,
	AreaSysFlags:  s7AreaSysFlg,
	AreaAnalogIn:  s7AreaAnaIn,
	AreaAnalogOut: s7AreaAnaOut,
	AreaC200:      s7AreaC200,
	AreaT200:      s7AreaT200,
}

var areasByCode = invert(areaCodes)

// String returns the area name.
func (a Area) String() string {
	switch a {
	case AreaDB:
		return "DB"
	case AreaI:
		return "I"
	case AreaQ:
		return "Q"
	case AreaM:
		return "M"
	case AreaT:
		return "T"
	case AreaC:
		return "C"
	case AreaDI:
		return "DI"
	case AreaLocal:
		return "L"
	case AreaV:
		return "V"
	case AreaSysInfo:
		return "SysInfo"
	case AreaSysFlags:
		return "SysFlags"
	case AreaAnalogIn:
		return "AI"
	case AreaAnalogOut:
		return "AQ"
	case AreaC200:
		return "C200"
	case AreaT200:
		return "T200"
	default:
		return "?"
	}
}

// Code returns the wire code of the area.
func (a Area) Code() (byte, error) {
	c, ok := areaCodes[a]
	if !ok {
		return 0, fmt.Errorf("unknown area %d", int(a))
	}
	return c, nil
}

// AreaFromCode maps a wire code to an Area. Unknown codes are rejected.
func AreaFromCode(code byte) (Area, error) {
	a, ok := areasByCode[code]
	if !ok {
		return 0, fmt.Errorf("unknown area code 0x%02X", code)
	}
	return a, nil
}

// TransportSize is the element type requested by an S7ANY item.
type TransportSize int

const (
	TransportBit TransportSize = iota
	TransportByte
	TransportChar
	TransportWord
	TransportInt
	TransportDWord
	TransportDInt
	TransportReal
	TransportCounter
	TransportTimer
)

// Transport sizes for S7ANY
const (
	tsBIT     = 0x01
	tsBYTE    = 0x02
	tsCHAR    = 0x03
	tsWORD    = 0x04
	tsINT     = 0x05
	tsDWORD   = 0x06
	tsDINT    = 0x07
	tsREAL    = 0x08
	tsCOUNTER = 0x1C
	tsTIMER   = 0x1D
)

var transportCodes = map[TransportSize]byte{
	TransportBit:     tsBIT,
	TransportByte:    tsBYTE,
	TransportChar:    tsCHAR,
	TransportWord:    tsWORD,
	TransportInt:     tsINT,
	TransportDWord:   tsDWORD,
	TransportDInt:    tsDINT,
	TransportReal:    tsREAL,
	TransportCounter: tsCOUNTER,
	TransportTimer:   tsTIMER,
}

var transportsByCode = invert(transportCodes)

func (t TransportSize) String() string {
	switch t {
	case TransportBit:
		return "BIT"
	case TransportByte:
		return "BYTE"
	case TransportChar:
		return "CHAR"
	case TransportWord:
		return "WORD"
	case TransportInt:
		return "INT"
	case TransportDWord:
		return "DWORD"
	case TransportDInt:
		return "DINT"
	case TransportReal:
		return "REAL"
	case TransportCounter:
		return "COUNTER"
	case TransportTimer:
		return "TIMER"
	default:
		return "?"
	}
}

// Code returns the wire code of the transport size.
func (t TransportSize) Code() (byte, error) {
	c, ok := transportCodes[t]
	if !ok {
		return 0, fmt.Errorf("unknown transport size %d", int(t))
	}
	return c, nil
}

// ElementSize returns the byte size of one element.
func (t TransportSize) ElementSize() int {
	switch t {
	case TransportBit, TransportByte, TransportChar:
		return 1
	case TransportWord, TransportInt, TransportCounter, TransportTimer:
		return 2
	case TransportDWord, TransportDInt, TransportReal:
		return 4
	default:
		return 0
	}
}

// DataTransportSize returns the ack data transport size used for
// results of this request type.
func (t TransportSize) DataTransportSize() DataTransportSize {
	switch t {
	case TransportBit:
		return DataBit
	case TransportInt, TransportDInt:
		return DataInteger
	case TransportReal:
		return DataReal
	case TransportCounter, TransportTimer, TransportChar:
		return DataOctetString
	default:
		return DataByte
	}
}

// TransportSizeFromCode maps a wire code to a TransportSize. Unknown
// codes are rejected.
func TransportSizeFromCode(code byte) (TransportSize, error) {
	t, ok := transportsByCode[code]
	if !ok {
		return 0, fmt.Errorf("unknown transport size code 0x%02X", code)
	}
	return t, nil
}

// DataTransportSize is the type of a data item in an ack. It selects
// whether the item length field counts bits or bytes.
type DataTransportSize byte

const (
	DataNull        DataTransportSize = 0x00
	DataBit         DataTransportSize = 0x03
	DataByte        DataTransportSize = 0x04 // BYTE/WORD/DWORD
	DataInteger     DataTransportSize = 0x05
	DataReal        DataTransportSize = 0x07
	DataOctetString DataTransportSize = 0x09
)

func (d DataTransportSize) valid() bool {
	switch d {
	case DataNull, DataBit, DataByte, DataInteger, DataReal, DataOctetString:
		return true
	}
	return false
}

// lengthInBits reports whether the item length field counts bits.
func (d DataTransportSize) lengthInBits() bool {
	return d == DataBit || d == DataByte || d == DataInteger
}

func invert[K comparable](m map[K]byte) map[byte]K {
	out := make(map[byte]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}
