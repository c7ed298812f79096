package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chaz8081/octobed/internal/bed"
	"github.com/chaz8081/octobed/internal/ble/protocol"
)

// bedAPI is the part of *bed.Controller the command line drives.
type bedAPI interface {
	Move(ctx context.Context, dir protocol.Direction, axes ...protocol.Axis) error
	Hold(ctx context.Context, dir protocol.Direction, axes ...protocol.Axis) error
	Stop(ctx context.Context) error
	Light(ctx context.Context, on bool) error
	MakeDiscoverable(ctx context.Context) error
	SetPosition(ctx context.Context, axis protocol.Axis, target float64) error
	MoveToZero(ctx context.Context) error
	AssumePosition(axis protocol.Axis, pos float64) error
	StartCalibration(ctx context.Context, axis protocol.Axis) error
	StopCalibration(ctx context.Context) error
	Status() bed.Status
}

// sessionAPI is the part of *session.Session the command line drives.
type sessionAPI interface {
	ChangePIN(pin string) error
	ProgramPIN(ctx context.Context, pin string) error
	Reset(ctx context.Context) error
}

const helpText = `commands:
  up|down head|feet|both [duration]   move, or hold for duration (e.g. 2s)
  stop                                stop all motors
  light on|off
  pos head|feet <0-100>               move to an estimated position
  zero                                lower head then feet
  assume head|feet <0-100>            correct the estimate to where it is
  calibrate head|feet                 start a calibration run
  calibrate stop                      finish it at the top
  discoverable                        put the base in pairing mode
  pin <digits>                        change the stored pin
  setpin <digits>                     program a new pin on the bed
  reset                               retry after a failed session
  status`

var errUsage = errors.New("usage")

// execute runs one command line and returns text to print.
func execute(ctx context.Context, b bedAPI, s sessionAPI, line string) (string, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return "", nil
	}
	args := fields[1:]

	switch fields[0] {
	case "help", "?":
		return helpText, nil

	case "up", "down":
		dir, _ := protocol.ParseDirection(fields[0])
		if len(args) < 1 || len(args) > 2 {
			return "", fmt.Errorf("%w: %s head|feet|both [duration]", errUsage, fields[0])
		}
		axes, err := protocol.ParseAxes(args[0])
		if err != nil {
			return "", err
		}
		if len(args) == 1 {
			return "", b.Move(ctx, dir, axes...)
		}
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return "", fmt.Errorf("%w: bad duration %q", errUsage, args[1])
		}
		hctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return "", b.Hold(hctx, dir, axes...)

	case "stop":
		return "", b.Stop(ctx)

	case "light":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return "", fmt.Errorf("%w: light on|off", errUsage)
		}
		return "", b.Light(ctx, args[0] == "on")

	case "pos":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: pos head|feet <0-100>", errUsage)
		}
		axis, err := singleAxis(args[0])
		if err != nil {
			return "", err
		}
		target, err := strconv.ParseFloat(args[1], 64)
		if err != nil || target < 0 || target > 100 {
			return "", fmt.Errorf("%w: position must be 0-100", errUsage)
		}
		return "", b.SetPosition(ctx, axis, target)

	case "zero":
		return "", b.MoveToZero(ctx)

	case "assume":
		if len(args) != 2 {
			return "", fmt.Errorf("%w: assume head|feet <0-100>", errUsage)
		}
		axis, err := singleAxis(args[0])
		if err != nil {
			return "", err
		}
		pos, err := strconv.ParseFloat(args[1], 64)
		if err != nil || pos < 0 || pos > 100 {
			return "", fmt.Errorf("%w: position must be 0-100", errUsage)
		}
		return "", b.AssumePosition(axis, pos)

	case "calibrate":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: calibrate head|feet|stop", errUsage)
		}
		if args[0] == "stop" {
			return "", b.StopCalibration(ctx)
		}
		axis, err := singleAxis(args[0])
		if err != nil {
			return "", err
		}
		if err := b.StartCalibration(ctx, axis); err != nil {
			return "", err
		}
		return fmt.Sprintf("calibrating %s: run \"calibrate stop\" when it reaches the top", axis), nil

	case "discoverable":
		return "", b.MakeDiscoverable(ctx)

	case "pin":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: pin <digits>", errUsage)
		}
		if err := s.ChangePIN(args[0]); err != nil {
			return "", err
		}
		return "pin saved", nil

	case "setpin":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: setpin <digits>", errUsage)
		}
		if err := s.ProgramPIN(ctx, args[0]); err != nil {
			return "", err
		}
		return "pin programmed", nil

	case "reset":
		return "", s.Reset(ctx)

	case "status":
		return formatStatus(b.Status()), nil
	}
	return "", fmt.Errorf("unknown command %q (try help)", fields[0])
}

func singleAxis(s string) (protocol.Axis, error) {
	axes, err := protocol.ParseAxes(s)
	if err != nil {
		return 0, err
	}
	if len(axes) != 1 {
		return 0, fmt.Errorf("%w: pick head or feet", errUsage)
	}
	return axes[0], nil
}

func formatStatus(st bed.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "session: %s", st.Session.State)
	if st.Session.Confirmed {
		sb.WriteString(" (pin confirmed)")
	}
	if st.Session.Err != nil {
		fmt.Fprintf(&sb, " [%v]", st.Session.Err)
	}
	for _, a := range protocol.Axes {
		fmt.Fprintf(&sb, "\n%s: %.0f%% (travel %s)", a, st.Positions[a], st.Calibration[a])
		if st.Moving[a] {
			sb.WriteString(" moving")
		}
	}
	light := "off"
	if st.Light {
		light = "on"
	}
	fmt.Fprintf(&sb, "\nlight: %s", light)
	if st.Calibrating {
		fmt.Fprintf(&sb, "\ncalibrating: %s", st.CalAxis)
	}
	return sb.String()
}
