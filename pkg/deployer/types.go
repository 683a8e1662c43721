package deployer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/internal/installer"
	"github.com/httprunner/DeployAgent/internal/transport"
	"github.com/httprunner/DeployAgent/pkg/apk"
	"github.com/httprunner/DeployAgent/pkg/cache"
)

// Mode is what the caller asked for.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeInstall  Mode = "install"
	ModeFullSwap Mode = "fullswap"
	ModeCodeSwap Mode = "codeswap"
)

// ParseMode accepts the CLI spellings of a mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto, "deploy", "":
		return ModeAuto, nil
	case ModeInstall:
		return ModeInstall, nil
	case ModeFullSwap, "full_swap":
		return ModeFullSwap, nil
	case ModeCodeSwap, "code_swap":
		return ModeCodeSwap, nil
	}
	return "", errors.Errorf("deployer: unknown mode %q", s)
}

// Strategy is what the deployer decided to do.
type Strategy string

const (
	StrategyFullInstall Strategy = "full_install"
	StrategyFullSwap    Strategy = "full_swap"
	StrategyCodeSwap    Strategy = "code_swap"
	StrategyNoChange    Strategy = "no_change"
)

// State is a node of the deployment state machine:
// idle -> analyzing -> strategy -> executing -> completed | failed.
type State string

const (
	StateIdle      State = "idle"
	StateAnalyzing State = "analyzing"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// strategyState maps a strategy onto its state machine node.
func strategyState(s Strategy) State { return State(s) }

// UI is the confirmation and message sink.
type UI interface {
	Prompt(message string) bool
	Message(message string)
}

// LogUI declines every prompt and logs messages.
type LogUI struct{}

func (LogUI) Prompt(message string) bool {
	log.Warn().Str("prompt", message).Msg("deployer: no interactive ui, declining")
	return false
}

func (LogUI) Message(message string) {
	log.Info().Msg(message)
}

// Request is one deployment.
type Request struct {
	Mode        Mode
	PackageName string
	Paths       []string
	Options     installer.Options
	// FallbackToInstall runs a full install when a swap is refused or fails.
	FallbackToInstall bool
}

func (r Request) validate() error {
	if strings.TrimSpace(r.PackageName) == "" {
		return errors.New("deployer: package name is empty")
	}
	if len(r.Paths) == 0 {
		return errors.New("deployer: no package files given")
	}
	seen := make(map[string]bool, len(r.Paths))
	for _, p := range r.Paths {
		base := baseName(p)
		if base == "" {
			return errors.Errorf("deployer: invalid package path %q", p)
		}
		if seen[base] {
			return errors.Errorf("deployer: duplicate package file name %s", base)
		}
		seen[base] = true
	}
	return nil
}

// Change is one differing entry of one split.
type Change struct {
	Split string
	apk.Change
}

// Report describes a finished deployment.
type Report struct {
	ID          string
	Serial      string
	PackageName string
	Mode        Mode
	Strategy    Strategy
	Reason      string
	State       State
	Transitions []State
	Changes     []Change
	Packages    []*apk.Package
	FellBack    bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Err         error
}

// ChangedPaths returns the distinct changed entry paths, sorted.
func (r *Report) ChangedPaths() []string {
	return changedPaths(r.Changes)
}

func changedPaths(changes []Change) []string {
	seen := make(map[string]bool, len(changes))
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		if !seen[c.Path] {
			seen[c.Path] = true
			out = append(out, c.Path)
		}
	}
	sort.Strings(out)
	return out
}

// Checksums returns the checksums of the deployed packages in order.
func (r *Report) Checksums() []string {
	out := make([]string, 0, len(r.Packages))
	for _, p := range r.Packages {
		out = append(out, p.Checksum())
	}
	return out
}

// StepError attributes a failure to a package and a step.
type StepError struct {
	Package string
	Step    string
	Err     error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("deploy %s failed at %s", e.Package, e.Step)
	if cause := Cause(e.Err); cause != "" {
		msg += " (" + cause + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// Cause names the taxonomy member behind err, or "" when none applies.
func Cause(err error) string {
	var (
		ie *installer.InstallError
		se *installer.SwapError
		ce *cache.ConsistencyError
		te *transport.Error
	)
	switch {
	case errors.As(err, &ie):
		return string(ie.Outcome())
	case errors.As(err, &se):
		return string(se.Reason)
	case errors.As(err, &ce):
		return "CACHE_CONSISTENCY"
	case errors.As(err, &te):
		return "TRANSPORT_" + strings.ToUpper(string(te.Kind))
	}
	return ""
}
