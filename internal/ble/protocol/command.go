package protocol

import (
	"fmt"
	"strings"
)

// Axis is one motorized section of the bed.
type Axis int

const (
	Head Axis = iota
	Feet
)

// Axes lists every axis in a stable order.
var Axes = []Axis{Head, Feet}

func (a Axis) String() string {
	switch a {
	case Head:
		return "head"
	case Feet:
		return "feet"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ParseAxes parses "head", "feet" or "both".
func ParseAxes(s string) ([]Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "head":
		return []Axis{Head}, nil
	case "feet":
		return []Axis{Feet}, nil
	case "both":
		return []Axis{Head, Feet}, nil
	}
	return nil, fmt.Errorf("protocol: unknown axis %q", s)
}

// Direction is the motor direction of a move command.
type Direction int

const (
	Stop Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "stop"
	}
}

// Opposite returns the reverse direction. Stop is its own opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case Up:
		return Down
	case Down:
		return Up
	default:
		return Stop
	}
}

// ParseDirection parses "up", "down" or "stop".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	case "stop":
		return Stop, nil
	}
	return Stop, fmt.Errorf("protocol: unknown direction %q", s)
}

// Mask returns the motor payload byte selecting axes. No axes selects both.
func Mask(axes ...Axis) byte {
	if len(axes) == 0 {
		return 0x06
	}
	var m byte
	for _, a := range axes {
		switch a {
		case Head:
			m |= 0x02
		case Feet:
			m |= 0x04
		}
	}
	return m
}

// NormalizePIN returns exactly four ASCII digits. Surrounding space is
// trimmed, a short value is left-padded with '0', a long value keeps its
// first four characters, and any non-digit becomes '0'.
func NormalizePIN(pin string) string {
	r := []rune(strings.TrimSpace(pin))
	if len(r) < 4 {
		r = append([]rune(strings.Repeat("0", 4-len(r))), r...)
	}
	b := make([]byte, 4)
	for i, c := range r[:4] {
		if c < '0' || c > '9' {
			c = '0'
		}
		b[i] = byte(c)
	}
	return string(b)
}

// PINDigits returns the four digit values (0-9) carried in auth frames.
func PINDigits(pin string) [4]byte {
	var d [4]byte
	for i, c := range []byte(NormalizePIN(pin)) {
		d[i] = c - '0'
	}
	return d
}
