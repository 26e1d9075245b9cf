// Package link implements the line protocol spoken with the motion
// controller: inbound `L<hex><hex>` link commands and outbound `c<hex><hex>`
// drive commands.
package link

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrProtocol marks a record that starts like a link command but whose opcode
// cannot be decoded.
var ErrProtocol = errors.New("link protocol error")

// Opcode is the 8-bit command carried by a link command.
type Opcode uint8

const (
	OpNone            Opcode = 0x00
	OpManual          Opcode = 0x01
	OpAutonomous      Opcode = 0x02
	OpStartRecording  Opcode = 0x03
	OpStopRecording   Opcode = 0x04
	OpDiscard         Opcode = 0xFD
	OpTerminateUpload Opcode = 0xFE
	OpTerminate       Opcode = 0xFF
)

var opcodeNames = map[Opcode]string{
	OpNone:            "none",
	OpManual:          "manual",
	OpAutonomous:      "autonomous",
	OpStartRecording:  "start_recording",
	OpStopRecording:   "stop_recording",
	OpDiscard:         "discard",
	OpTerminateUpload: "terminate_upload",
	OpTerminate:       "terminate",
}

// String returns a stable lower-case name, or the hex form for opcodes without
// a defined meaning.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(op))
}

// Hex returns the two-digit upper-case form used on the wire.
func (op Opcode) Hex() string {
	return fmt.Sprintf("%02X", uint8(op))
}

// Kind classifies a received record.
type Kind int

const (
	// KindPlain is any record that does not start with 'L'.
	KindPlain Kind = iota
	// KindCommand is a well-formed link command.
	KindCommand
	// KindMalformed starts with 'L' but carries no decodable opcode.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindMalformed:
		return "malformed"
	default:
		return "plain"
	}
}

// Record is one decoded inbound line. It is immutable once decoded.
type Record struct {
	Kind   Kind
	Opcode Opcode
	Raw    []byte
	At     time.Time
	// Err is set, wrapping ErrProtocol, for KindMalformed records.
	Err error
}

// IsCommand reports whether r carries a decoded opcode.
func (r Record) IsCommand() bool { return r.Kind == KindCommand }

// Decode classifies raw. Only the first three bytes are inspected; anything
// after the opcode is ignored.
func Decode(raw []byte, at time.Time) Record {
	rec := Record{Kind: KindPlain, Raw: raw, At: at}
	if len(raw) == 0 || raw[0] != 'L' {
		return rec
	}
	if len(raw) < 3 {
		rec.Kind = KindMalformed
		rec.Err = fmt.Errorf("%w: short link command %q", ErrProtocol, raw)
		return rec
	}
	v, err := strconv.ParseUint(string(raw[1:3]), 16, 8)
	if err != nil {
		rec.Kind = KindMalformed
		rec.Err = fmt.Errorf("%w: bad opcode %q", ErrProtocol, raw[1:3])
		return rec
	}
	rec.Kind = KindCommand
	rec.Opcode = Opcode(v)
	return rec
}

// EncodeCommand renders op as a newline-terminated link command.
func EncodeCommand(op Opcode) []byte {
	return []byte("L" + op.Hex() + "\n")
}
