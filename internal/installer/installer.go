// Package installer performs conventional installs and in-place swaps on one
// device.
package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/internal/transport"
)

// Device is the part of transport.Client the installer needs.
type Device interface {
	InstallPackages(ctx context.Context, files []transport.StagedFile, allowReinstall bool, flags []string) transport.InstallResult
	RunShell(ctx context.Context, argv []string, stdin []byte) ([]byte, error)
	RunningProcesses(ctx context.Context, names []string) ([]string, error)
	FileExists(ctx context.Context, remote string) (bool, error)
}

var _ Device = (*transport.Client)(nil)

// Kind selects the install strategy.
type Kind int

const (
	Conventional Kind = iota
	FullSwap
	PartialSwap
)

func (k Kind) String() string {
	switch k {
	case FullSwap:
		return "full_swap"
	case PartialSwap:
		return "partial_swap"
	}
	return "conventional"
}

// SwapEntry is one code entry staged for the agent.
type SwapEntry struct {
	Split string
	Path  string
	File  transport.StagedFile
}

// Request describes one installer invocation.
type Request struct {
	Kind           Kind
	PackageName    string
	Processes      []string
	Staged         []transport.StagedFile
	Entries        []SwapEntry
	Options        Options
	AllowReinstall bool
}

// Installer dispatches requests to the device.
type Installer struct {
	dev       Device
	agentPath string
}

// New builds an Installer. agentPath is the on-device agent binary.
func New(dev Device, agentPath string) *Installer {
	return &Installer{dev: dev, agentPath: strings.TrimSpace(agentPath)}
}

// Execute runs req. A rejected install returns *InstallError, a failed swap
// *SwapError, and transport failures a *transport.Error.
func (i *Installer) Execute(ctx context.Context, req Request) error {
	switch req.Kind {
	case Conventional:
		return i.install(ctx, req)
	case FullSwap, PartialSwap:
		return i.swap(ctx, req)
	}
	return errors.Errorf("installer: unknown kind %d", req.Kind)
}

func (i *Installer) install(ctx context.Context, req Request) error {
	if len(req.Staged) == 0 {
		return errors.New("installer: nothing staged for install")
	}
	res := i.dev.InstallPackages(ctx, req.Staged, req.AllowReinstall, req.Options.Flags())
	if !res.OK() {
		return &InstallError{Result: res}
	}
	log.Info().Str("package", req.PackageName).Int("files", len(req.Staged)).Msg("installer: installed")
	return nil
}

type agentEntry struct {
	Split string `json:"split"`
	Path  string `json:"path"`
	File  string `json:"file"`
}

type agentRequest struct {
	Version   int          `json:"version"`
	Package   string       `json:"package"`
	Processes []string     `json:"processes"`
	Mode      string       `json:"mode"`
	Entries   []agentEntry `json:"entries"`
}

type agentResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (i *Installer) swap(ctx context.Context, req Request) error {
	if len(req.Entries) == 0 {
		return &SwapError{Reason: ReasonIncompatibleChange, Detail: "no code entries to swap"}
	}
	running, err := i.dev.RunningProcesses(ctx, req.Processes)
	if err != nil {
		return err
	}
	if len(running) == 0 {
		return &SwapError{Reason: ReasonProcessNotFound, Detail: strings.Join(req.Processes, ",")}
	}

	mode := "full"
	if req.Kind == PartialSwap {
		mode = "partial"
	}
	payload := agentRequest{Version: 1, Package: req.PackageName, Processes: running, Mode: mode}
	for _, e := range req.Entries {
		payload.Entries = append(payload.Entries, agentEntry{Split: e.Split, Path: e.Path, File: e.File.RemotePath})
	}
	stdin, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "installer: encode agent request")
	}

	out, err := i.dev.RunShell(ctx, []string{"run-as", req.PackageName, i.agentPath, "swap"}, stdin)
	if err != nil {
		var te *transport.Error
		if errors.As(err, &te) && (te.Kind == transport.KindTimeout || te.Kind == transport.KindRejected) {
			return &SwapError{Reason: ReasonAgentUnresponsive, Detail: te.Error()}
		}
		return err
	}
	resp, ok := parseAgentResponse(out)
	if !ok {
		return &SwapError{Reason: ReasonAgentUnresponsive, Detail: "unreadable agent reply: " + strings.TrimSpace(string(out))}
	}
	if !strings.EqualFold(resp.Status, "OK") {
		return &SwapError{Reason: ParseReason(resp.Reason), Detail: resp.Detail}
	}
	log.Info().Str("package", req.PackageName).Str("mode", mode).
		Int("entries", len(req.Entries)).Strs("processes", running).Msg("installer: swapped")
	return nil
}

// parseAgentResponse takes the last JSON object line of the agent output.
func parseAgentResponse(out []byte) (agentResponse, bool) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for idx := len(lines) - 1; idx >= 0; idx-- {
		line := bytes.TrimSpace(lines[idx])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp agentResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.Status == "" {
			return agentResponse{}, false
		}
		return resp, true
	}
	return agentResponse{}, false
}

// SupportsSwap reports whether one of processes is running and the agent
// binary is present.
func (i *Installer) SupportsSwap(ctx context.Context, pkg string, processes []string) (bool, error) {
	if i.agentPath == "" || len(processes) == 0 {
		return false, nil
	}
	running, err := i.dev.RunningProcesses(ctx, processes)
	if err != nil {
		return false, err
	}
	if len(running) == 0 {
		log.Debug().Str("package", pkg).Msg("installer: no running process, swap unsupported")
		return false, nil
	}
	return i.dev.FileExists(ctx, i.agentPath)
}
