package server

import (
	"errors"
	"time"
)

// State is the supervisor's view of the server process
type State string

const (
	StateStopped         State = "STOPPED"
	StateStarting        State = "STARTING"
	StatePreflightFailed State = "PREFLIGHT_FAILED"
	StateRunning         State = "RUNNING"
	StateStopping        State = "STOPPING"
)

// AllStates lists every state, in lifecycle order
var AllStates = []State{StateStopped, StateStarting, StatePreflightFailed, StateRunning, StateStopping}

func (s State) String() string { return string(s) }

// MessagePrefix marks operator-facing supervisor messages on the console
const MessagePrefix = "#MCpal: "

var (
	ErrAlreadyRunning  = errors.New(MessagePrefix + "Server is already running, please stop it first using the \"stop\"-command")
	ErrNotRunning      = errors.New(MessagePrefix + "Nothing to stop. Server is not active at the moment.")
	ErrNoStartupConfig = errors.New("startup configuration is required")
	ErrSpawn           = errors.New("failed to spawn server process")
	ErrStartupExited   = errors.New("server process exited during startup")
	ErrEULANotAccepted = errors.New(MessagePrefix + "NO EULA FOUND!! Just restart MCpal, the eula will be set to true automatically!")
	ErrWorldMissing    = errors.New(MessagePrefix + "The world didn't exist when MCpal was started. Please restart MCpal and it will handle that.")
)

// StatusInfo is a point-in-time snapshot of the supervisor
type StatusInfo struct {
	State     State
	RunID     string
	PID       int
	Since     time.Time
	StartedAt time.Time
	Restarts  int
	LastExit  string
}

// Uptime returns how long the current process has been running
func (s StatusInfo) Uptime() time.Duration {
	if s.State != StateRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}
