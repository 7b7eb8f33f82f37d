package agents

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrMalformedProfile = errors.New("malformed agent profile")
	ErrNoAgents         = errors.New("no agents configured")
)

// ConfigurationError reports a directory problem: an id nobody registered or
// a profile that failed validation. It is fatal to the call that hit it, not
// to the process.
type ConfigurationError struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.AgentID != "" && e.Reason != "":
		return fmt.Sprintf("configuration error for agent %q: %s: %v", e.AgentID, e.Reason, e.Err)
	case e.AgentID != "":
		return fmt.Sprintf("configuration error for agent %q: %v", e.AgentID, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
