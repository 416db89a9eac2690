package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address represents a parsed S7 memory address.
type Address struct {
	Area          Area          // Memory area (DB, I, Q, M, T, C)
	DBNumber      int           // Data block number (only for AreaDB)
	Offset        int           // Byte offset, or timer/counter number
	BitNum        int           // Bit number (0-7 for bit access, -1 otherwise)
	TransportSize TransportSize // Element type requested on the wire
	Count         int           // Number of elements (1 for scalar, >1 for array)
}

// Regular expressions for parsing S7 addresses
var (
	// DB addresses: DB1.DBX0.0 (bit), DB1.DBB0 (byte), DB1.DBW0 (word), DB1.DBD0 (dword), optional [n]
	reDB = regexp.MustCompile(`^DB(\d+)\.DB([XBWDL])(\d+)(?:\.(\d))?(?:\[(\d+)\])?$`)

	// I/Q/M addresses: M0.0 (bit), MB0 (byte), MW0 (word), MD0 (dword), optional [n]
	reIQM = regexp.MustCompile(`^([IQM])([XBWDL])?(\d+)(?:\.(\d))?(?:\[(\d+)\])?$`)

	// Timer/Counter: T0, C0
	reTC = regexp.MustCompile(`^([TC])(\d+)$`)
)

// ParseAddress parses an S7 address string.
// Supported formats:
//   - DB1.DBX0.0 - Data Block bit
//   - DB1.DBB0   - Data Block byte
//   - DB1.DBW0   - Data Block word
//   - DB1.DBD0   - Data Block dword
//   - DB1.DBB0[6] - Data Block byte array
//   - M0.0, MB0, MW0, MD0 - Merker
//   - I0.0, IB0, IW0, ID0 - Input
//   - Q0.0, QB0, QW0, QD0 - Output
//   - T0         - Timer
//   - C0         - Counter
func ParseAddress(addr string) (*Address, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return nil, fmt.Errorf("empty address")
	}

	if m := reDB.FindStringSubmatch(addr); m != nil {
		dbNum, _ := strconv.Atoi(m[1])
		a := &Address{Area: AreaDB, DBNumber: dbNum}
		if err := a.setTyped(m[2], m[3], m[4], m[5], true); err != nil {
			return nil, err
		}
		return a, nil
	}

	if m := reIQM.FindStringSubmatch(addr); m != nil {
		a := &Address{}
		switch m[1] {
		case "I":
			a.Area = AreaI
		case "Q":
			a.Area = AreaQ
		case "M":
			a.Area = AreaM
		}
		typeLetter := m[2]
		if typeLetter == "" {
			typeLetter = "X" // M0 means M0.0
		}
		if err := a.setTyped(typeLetter, m[3], m[4], m[5], false); err != nil {
			return nil, err
		}
		return a, nil
	}

	if m := reTC.FindStringSubmatch(addr); m != nil {
		num, _ := strconv.Atoi(m[2])
		a := &Address{Offset: num, BitNum: -1, Count: 1}
		if m[1] == "T" {
			a.Area, a.TransportSize = AreaT, TransportTimer
		} else {
			a.Area, a.TransportSize = AreaC, TransportCounter
		}
		return a, nil
	}

	return nil, fmt.Errorf("invalid S7 address format: %s", addr)
}

func (a *Address) setTyped(typeLetter, offset, bit, count string, bitRequired bool) error {
	a.Offset, _ = strconv.Atoi(offset)
	a.BitNum = -1
	a.Count = 1
	if count != "" {
		n, _ := strconv.Atoi(count)
		if n < 1 || n > 0xFFFF {
			return fmt.Errorf("array count must be 1-65535, got %d", n)
		}
		a.Count = n
	}

	switch typeLetter {
	case "X":
		if bit == "" {
			if bitRequired {
				return fmt.Errorf("DBX requires bit number (e.g., DB1.DBX0.0)")
			}
			bit = "0"
		}
		bitNum, _ := strconv.Atoi(bit)
		if bitNum < 0 || bitNum > 7 {
			return fmt.Errorf("bit number must be 0-7, got %d", bitNum)
		}
		if a.Count != 1 {
			return fmt.Errorf("bit access cannot be an array")
		}
		a.BitNum = bitNum
		a.TransportSize = TransportBit
		return nil
	case "B":
		a.TransportSize = TransportByte
	case "W":
		a.TransportSize = TransportWord
	case "D":
		a.TransportSize = TransportDWord
	case "L":
		// 64-bit values travel as 8 bytes
		a.TransportSize = TransportByte
		a.Count *= 8
	default:
		return fmt.Errorf("unknown type: %s", typeLetter)
	}
	if bit != "" {
		return fmt.Errorf("bit number only valid for X access")
	}
	return nil
}

// ReadItem converts the address to a read request item.
func (a *Address) ReadItem() ReadRequestItem {
	off := uint32(a.Offset)
	if a.TransportSize == TransportBit {
		off = off*8 + uint32(a.BitNum)
	}
	db := uint16(0)
	if a.Area == AreaDB {
		db = uint16(a.DBNumber)
	}
	return ReadRequestItem{
		Area:           a.Area,
		DBNumber:       db,
		ItemSpecLength: s7AnyLen,
		Offset:         off,
		TransportSize:  a.TransportSize,
		Count:          uint16(a.Count),
	}
}

// Size returns the number of data bytes a read of the address returns.
func (a *Address) Size() int {
	return a.TransportSize.ElementSize() * a.Count
}

// ValidateAddress checks if an address string is valid.
func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}
