package api

import "encoding/json"

// v0 contains public types shared by the controller, the store and the CLI.

// Options is the generic option set handed to the tunnel agent. Keys are
// option names (e.g. "tunnelName"), values are their string form.
type Options map[string]string

// Recognised option keys consumed by the controller itself.
const (
	OptKey         = "key"
	OptBinaryPath  = "binarypath"
	OptOnlyCommand = "onlyCommand"
	OptUser        = "user"
	OptTunnelName  = "tunnelName"
)

// Clone returns a shallow copy so callers can keep mutating their map.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Has reports whether name is present, regardless of its value.
func (o Options) Has(name string) bool {
	_, ok := o[name]
	return ok
}

type Opcode string

const (
	OpStart Opcode = "start"
	OpStop  Opcode = "stop"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// StateConnected is the agent's success state.
const StateConnected = "connected"

// AgentStatus is the record the agent prints when started with -d start.
type AgentStatus struct {
	State   string          `json:"state"`
	PID     int             `json:"pid"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Text returns the human readable failure text. The agent nests it as
// {"message": {"message": "..."}}; a bare string is accepted too.
func (s AgentStatus) Text() string {
	if len(s.Message) == 0 {
		return ""
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(s.Message, &nested); err == nil && nested.Message != "" {
		return nested.Message
	}
	var plain string
	if err := json.Unmarshal(s.Message, &plain); err == nil {
		return plain
	}
	return string(s.Message)
}

// Handle is a snapshot of a controller's persistent state.
type Handle struct {
	BinaryPath   string  `json:"binary_path" yaml:"binary_path"`
	StartOptions Options `json:"start_options" yaml:"start_options"`
	PID          int     `json:"pid" yaml:"pid"`
}

func (h Handle) State() State {
	if h.PID != 0 {
		return StateRunning
	}
	return StateIdle
}
