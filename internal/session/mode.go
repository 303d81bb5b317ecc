package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid run mode transition")

// Mode is one of Running, Paused or Stopped.
type Mode interface {
	fmt.Stringer
	isMode()
}

// Running issues probes.
type Running struct{}

// Paused issues no new probes; in-flight probes still resolve.
type Paused struct {
	Since time.Time
}

// Stopped is final.
type Stopped struct {
	At     time.Time
	Reason string
}

func (Running) isMode() {}
func (Paused) isMode()  {}
func (Stopped) isMode() {}

func (Running) String() string { return "running" }
func (Paused) String() string  { return "paused" }
func (Stopped) String() string { return "stopped" }

// Command changes the run mode.
type Command int

const (
	Pause Command = iota
	Resume
	Reset
	Stop
)

func (c Command) String() string {
	switch c {
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Reset:
		return "reset"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// ParseCommand parses a command name.
func ParseCommand(s string) (Command, error) {
	for c := Pause; c <= Stop; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// Transition returns the mode following m on c. Reset keeps the mode; the
// caller zeroes the statistics.
func Transition(m Mode, c Command, now time.Time) (Mode, error) {
	switch m.(type) {
	case Running:
		switch c {
		case Pause:
			return Paused{Since: now}, nil
		case Reset:
			return m, nil
		case Stop:
			return Stopped{At: now, Reason: "stopped"}, nil
		}
	case Paused:
		switch c {
		case Resume:
			return Running{}, nil
		case Reset:
			return m, nil
		case Stop:
			return Stopped{At: now, Reason: "stopped"}, nil
		}
	case Stopped:
	default:
		panic(fmt.Sprintf("session: unknown mode %T", m))
	}
	return m, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, c, m)
}

// modeDoc is the serialized form of a Mode.
type modeDoc struct {
	State  string    `json:"state"`
	Since  time.Time `json:"since,omitzero"`
	Reason string    `json:"reason,omitempty"`
}

func describeMode(m Mode) modeDoc {
	switch st := m.(type) {
	case Running:
		return modeDoc{State: "running"}
	case Paused:
		return modeDoc{State: "paused", Since: st.Since}
	case Stopped:
		return modeDoc{State: "stopped", Since: st.At, Reason: st.Reason}
	default:
		panic(fmt.Sprintf("session: unknown mode %T", m))
	}
}

func (d modeDoc) restore() (Mode, error) {
	switch d.State {
	case "running":
		return Running{}, nil
	case "paused":
		return Paused{Since: d.Since}, nil
	case "stopped":
		return Stopped{At: d.Since, Reason: d.Reason}, nil
	}
	return nil, fmt.Errorf("unknown run mode %q", d.State)
}
