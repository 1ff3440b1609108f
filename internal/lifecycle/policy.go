package lifecycle

import (
	"fmt"
	"strings"
)

// Policy orders the database connection against the listener bind.
type Policy int

const (
	// PolicyFailFast connects the database first and never binds the
	// listener if that fails. The process exits non-zero.
	PolicyFailFast Policy = iota
	// PolicyDegraded binds and serves immediately and connects the
	// database in the background. A failure is logged and the process
	// keeps serving.
	PolicyDegraded
)

func (p Policy) String() string {
	switch p {
	case PolicyFailFast:
		return "fail-fast"
	case PolicyDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "fail-fast" (or "a") and "degraded" (or "b").
// The empty string selects PolicyFailFast.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-fast", "failfast", "a":
		return PolicyFailFast, nil
	case "degraded", "b":
		return PolicyDegraded, nil
	default:
		return 0, fmt.Errorf("unknown startup policy %q (want fail-fast or degraded)", s)
	}
}
