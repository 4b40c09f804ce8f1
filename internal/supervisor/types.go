package supervisor

import "time"

// ExecutableKind selects the spawn and readiness strategy for a child
// process (spec §4.3, §9 "Polymorphism over child kinds").
type ExecutableKind string

const (
	KindInterpretedScript ExecutableKind = "interpreted-script"
	KindNativeBinary      ExecutableKind = "native-binary"
	KindTerminalServer    ExecutableKind = "terminal-server"
)

// StdioMode controls how the child's standard streams are wired.
type StdioMode string

const (
	StdioInherit      StdioMode = "inherit"
	StdioPipeWithIPC  StdioMode = "pipe-with-ipc"
)

// Priority is advisory metadata used by callers deciding what to retry
// first under resource pressure; the supervisor itself does not schedule
// by priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

// RestartPolicy bounds automatic recovery from a crashed state.
type RestartPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// HealthProbe describes an optional periodic HTTP liveness check.
type HealthProbe struct {
	Path     string        // appended to http://127.0.0.1:{port}
	Interval time.Duration // default 30s if zero
}

// ServiceConfig is the immutable registration record for one child process.
type ServiceConfig struct {
	Name           string
	Kind           ExecutableKind
	ExecutablePath string
	Arguments      []string
	Env            map[string]string
	RequiresPort   bool
	PoolName       string
	RestartPolicy  RestartPolicy
	HealthProbe    *HealthProbe
	Priority       Priority
	StdioMode      StdioMode

	// InitialCommand is only meaningful for KindTerminalServer: the shell
	// command to run once the session attaches, before dropping to an
	// interactive shell.
	InitialCommand string
}

// State is a ProcessInstance lifecycle state (spec §4.3 state machine).
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateUnhealthy State = "unhealthy"
	StateCrashed  State = "crashed"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Instance is the live record for a running (or recently-running) service.
// External components must only read Snapshot()s of it, never the struct
// directly — the raw child handle is owned exclusively by the Supervisor.
type Instance struct {
	Name           string
	PID            int
	AllocatedPort  int
	HasPort        bool
	State          State
	RestartCount   int
	StartTimestamp time.Time
	LastError      string
}

// Snapshot is the read-only external view of an Instance.
type Snapshot struct {
	Name           string    `json:"name"`
	PID            int       `json:"pid"`
	AllocatedPort  int       `json:"allocated_port,omitempty"`
	State          State     `json:"state"`
	RestartCount   int       `json:"restart_count"`
	StartTimestamp time.Time `json:"start_timestamp"`
	LastError      string    `json:"last_error,omitempty"`
}
