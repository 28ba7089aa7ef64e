package tunnel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

var (
	ErrStartFailed     = errors.New("tunnel start failed")
	ErrMalformedStatus = errors.New("malformed agent status")
	ErrStartTimeout    = errors.New("tunnel start timed out")
	ErrAlreadyRunning  = errors.New("tunnel already running")
	ErrMissingKey      = errors.New("access key is required")
)

// StartFailedError carries the agent's own explanation of a failed start.
type StartFailedError struct {
	State   string
	Message string
}

func (e *StartFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tunnel start failed: agent state %q", e.State)
	}
	return "tunnel start failed: " + e.Message
}

func (e *StartFailedError) Is(target error) bool { return target == ErrStartFailed }

// ParseStatus extracts the agent status from captured output. Stdout wins
// when it is non-empty; stderr is the fallback. Within a stream, the last
// complete JSON object counts, so diagnostics printed before it are ignored.
func ParseStatus(stdout, stderr string) (*api.AgentStatus, error) {
	for _, stream := range []string{stdout, stderr} {
		if strings.TrimSpace(stream) == "" {
			continue
		}
		if raw, ok := lastObject(stream); ok {
			var st api.AgentStatus
			if err := json.Unmarshal(raw, &st); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedStatus, err)
			}
			return &st, nil
		}
	}
	return nil, fmt.Errorf("%w: no JSON object in output %q", ErrMalformedStatus, snippet(stdout+stderr))
}

// lastObject scans s left to right for top-level JSON objects and returns
// the last one. Objects nested inside a match are skipped with it.
func lastObject(s string) (json.RawMessage, bool) {
	var last json.RawMessage
	for i := 0; i < len(s); {
		j := strings.IndexByte(s[i:], '{')
		if j < 0 {
			break
		}
		i += j
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil || !bytes.HasPrefix(raw, []byte("{")) {
			i++
			continue
		}
		last = raw
		i += int(dec.InputOffset())
	}
	return last, last != nil
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
