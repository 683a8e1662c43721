package installer

import (
	"fmt"

	"github.com/httprunner/DeployAgent/internal/transport"
)

// InstallError wraps a non-OK install outcome.
type InstallError struct {
	Result transport.InstallResult
}

func (e *InstallError) Error() string {
	return "installer: install failed: " + e.Result.String()
}

// Outcome returns the device outcome.
func (e *InstallError) Outcome() transport.InstallOutcome { return e.Result.Outcome }

// SwapReason is why an in-place update failed.
type SwapReason string

const (
	ReasonProcessNotFound    SwapReason = "PROCESS_NOT_FOUND"
	ReasonAgentUnresponsive  SwapReason = "AGENT_UNRESPONSIVE"
	ReasonIncompatibleChange SwapReason = "INCOMPATIBLE_CHANGE"
)

// ParseReason maps an agent reason string; unknown values count as an
// unresponsive agent.
func ParseReason(s string) SwapReason {
	switch SwapReason(s) {
	case ReasonProcessNotFound, ReasonIncompatibleChange, ReasonAgentUnresponsive:
		return SwapReason(s)
	}
	return ReasonAgentUnresponsive
}

// SwapError reports a failed swap. The installed package is not necessarily
// broken, so callers may fall back to a full install.
type SwapError struct {
	Reason SwapReason
	Detail string
}

func (e *SwapError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("installer: swap failed: %s", e.Reason)
	}
	return fmt.Sprintf("installer: swap failed: %s: %s", e.Reason, e.Detail)
}
