// Package protocol implements the frame codec for the Octo bed base BLE protocol.
//
// Every frame shares one envelope:
//
//	40 <family> <opcode> 00 <len> <check> <payload...> 40
//
// where check is chosen so that the bytes between the delimiters sum to 0x80
// (mod 256). PIN frames are the exception: the bed ignores their check byte
// and the captured traffic always carries 0x00 there.
package protocol

import (
	"errors"
	"fmt"
)

// Frame delimiters and families observed on the wire.
const (
	Delimiter   byte = 0x40
	altStart    byte = 0x46 // some beds start PIN replies with 0x46
	FamilyMotor byte = 0x02
	FamilyAuth  byte = 0x20
	FamilyReply byte = 0x21
)

// Opcode identifies a command within its family.
type Opcode byte

const (
	OpcodeMoveUp   Opcode = 0x70
	OpcodeMoveDown Opcode = 0x71
	OpcodeSettings Opcode = 0x72 // light and discoverable mode
	OpcodeStop     Opcode = 0x73
	OpcodeAuth     Opcode = 0x43 // authenticate / keep-alive
	OpcodeSetPIN   Opcode = 0x3c
)

// headerLen is delimiter, family, opcode, reserved, length and check.
const headerLen = 6

// AuthFrameLen is the size of an authenticate / keep-alive frame.
const AuthFrameLen = headerLen + 4 + 1

// ErrShortFrame is returned by Decode for input too short to hold an envelope.
var ErrShortFrame = errors.New("protocol: frame too short")

// Frame is a decoded or to-be-encoded envelope.
type Frame struct {
	Family  byte
	Opcode  Opcode
	Payload []byte
}

// Checksum returns the check byte for f.
func Checksum(f Frame) byte {
	sum := int(f.Family) + int(f.Opcode) + len(f.Payload)
	for _, b := range f.Payload {
		sum += int(b)
	}
	return byte(0x80 - sum)
}

// Encode serializes f into its wire form.
func Encode(f Frame) []byte {
	check := Checksum(f)
	if f.Family == FamilyAuth && f.Opcode == OpcodeAuth {
		check = 0x00
	}
	buf := make([]byte, 0, headerLen+len(f.Payload)+1)
	buf = append(buf, Delimiter, f.Family, byte(f.Opcode), 0x00, byte(len(f.Payload)), check)
	buf = append(buf, f.Payload...)
	return append(buf, Delimiter)
}

// Auth builds the authenticate frame, which doubles as the keep-alive.
// The PIN is normalized with NormalizePIN.
func Auth(pin string) []byte {
	d := PINDigits(pin)
	return Encode(Frame{Family: FamilyAuth, Opcode: OpcodeAuth, Payload: d[:]})
}

// SetPIN builds the first-time PIN programming frame used on a factory-fresh
// base. Its layout differs from the envelope and is sent exactly as captured.
func SetPIN(pin string) []byte {
	d := PINDigits(pin)
	buf := []byte{Delimiter, FamilyAuth, byte(OpcodeSetPIN), 0x04, 0x00, 0x04, 0x02, 0x01}
	buf = append(buf, d[:]...)
	return append(buf, Delimiter)
}

// Move builds a move frame for the given axes. Stop yields StopAll.
// With no axes the frame targets both sections.
func Move(dir Direction, axes ...Axis) []byte {
	op := OpcodeMoveUp
	switch dir {
	case Down:
		op = OpcodeMoveDown
	case Stop:
		return StopAll()
	}
	return Encode(Frame{Family: FamilyMotor, Opcode: op, Payload: []byte{Mask(axes...)}})
}

// StopAll halts every motor.
func StopAll() []byte {
	return Encode(Frame{Family: FamilyMotor, Opcode: OpcodeStop})
}

// Light switches the under-bed light. The bed applies its timed duration.
func Light(on bool) []byte {
	state := byte(0x00)
	if on {
		state = 0x01
	}
	return Encode(Frame{
		Family:  FamilyAuth,
		Opcode:  OpcodeSettings,
		Payload: []byte{0x00, 0x01, 0x02, 0x01, 0x01, 0x01, 0x01, state},
	})
}

// MakeDiscoverable puts the base back into pairing mode, the same as pressing
// the remote twice after a reset.
func MakeDiscoverable() []byte {
	return Encode(Frame{
		Family:  FamilyAuth,
		Opcode:  OpcodeSettings,
		Payload: []byte{0x00, 0x00, 0x10, 0x01, 0x01, 0x01, 0x01, 0x01},
	})
}

// ReplyKind classifies a decoded notification.
type ReplyKind int

const (
	ReplyUnrecognized ReplyKind = iota
	ReplyPINAccepted
	ReplyPINRejected
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyPINAccepted:
		return "pin-accepted"
	case ReplyPINRejected:
		return "pin-rejected"
	default:
		return "unrecognized"
	}
}

// Reply is a decoded acknowledgement from the bed.
type Reply struct {
	Kind  ReplyKind
	Frame Frame
}

// Decode parses notification bytes. Frames it does not understand decode to
// ReplyUnrecognized; only input too short for an envelope is an error.
func Decode(data []byte) (Reply, error) {
	if len(data) < headerLen {
		return Reply{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	f := Frame{Family: data[1], Opcode: Opcode(data[2])}
	n := int(data[4])
	if end := headerLen + n; end <= len(data) {
		f.Payload = append([]byte(nil), data[headerLen:end]...)
	} else {
		f.Payload = append([]byte(nil), data[headerLen:]...)
	}
	reply := Reply{Kind: ReplyUnrecognized, Frame: f}
	if data[0] != Delimiter && data[0] != altStart {
		return reply, nil
	}
	if f.Family == FamilyReply && f.Opcode == OpcodeAuth && len(f.Payload) > 0 {
		if f.Payload[0] == 0x01 {
			reply.Kind = ReplyPINAccepted
		} else {
			reply.Kind = ReplyPINRejected
		}
	}
	return reply, nil
}
