package orchestrator

import "errors"

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrPluginNotFound  = errors.New("plugin not found")
	ErrPluginCrashed   = errors.New("plugin crashed")

	// ErrBusy is returned by Start while a helper is starting or running.
	ErrBusy = errors.New("a setup plugin is already running")
)

// ErrorCode is the error reported with a completion.
type ErrorCode int

const (
	NoError ErrorCode = iota
	AccountNotFound
	PluginNotFound
	PluginCrashed
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no error"
	case AccountNotFound:
		return "account not found"
	case PluginNotFound:
		return "plugin not found"
	case PluginCrashed:
		return "plugin crashed"
	default:
		return "unknown error"
	}
}

// Err maps the code to its sentinel error, or nil for NoError.
func (c ErrorCode) Err() error {
	switch c {
	case NoError:
		return nil
	case AccountNotFound:
		return ErrAccountNotFound
	case PluginNotFound:
		return ErrPluginNotFound
	default:
		return ErrPluginCrashed
	}
}

// Phase is the lifecycle position of a session.
type Phase int

const (
	Idle Phase = iota
	Resolving
	Starting
	Running
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a helper may be alive in this phase.
func (p Phase) Active() bool {
	return p == Starting || p == Running
}
