// Package deployer decides how to bring an application on one device up to
// date and drives the install or in-place swap through the task runner.
package deployer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/internal/device"
	"github.com/httprunner/DeployAgent/internal/installer"
	"github.com/httprunner/DeployAgent/internal/metrics"
	"github.com/httprunner/DeployAgent/internal/recorder"
	"github.com/httprunner/DeployAgent/internal/tasks"
	"github.com/httprunner/DeployAgent/internal/transport"
	"github.com/httprunner/DeployAgent/pkg/cache"
)

// Device is the transport surface the deployer drives.
type Device interface {
	installer.Device
	Serial() string
	StagingDir() string
	PushFile(ctx context.Context, local, remote string) (transport.StagedFile, error)
	PushBytes(ctx context.Context, r io.Reader, size int64, remote string) error
	IsInstalled(ctx context.Context, pkg string) (bool, error)
	UninstallPackage(ctx context.Context, name string) bool
	RemoveAll(ctx context.Context, remotes ...string) error
}

var _ Device = (*transport.Client)(nil)

// Deployer orchestrates deployments to one device. Calls are serialized.
type Deployer struct {
	dev       Device
	session   device.Session
	cache     *cache.Cache
	installer *installer.Installer
	runner    *tasks.Runner
	ui        UI
	recorder  recorder.Recorder
	metrics   *metrics.Metrics
	analyze   cache.AnalyzeFunc

	runMu sync.Mutex

	mu    sync.Mutex
	state State
}

// Option configures a Deployer.
type Option func(*Deployer)

func WithUI(ui UI) Option {
	return func(d *Deployer) {
		if ui != nil {
			d.ui = ui
		}
	}
}

func WithRecorder(r recorder.Recorder) Option {
	return func(d *Deployer) {
		if r != nil {
			d.recorder = r
		}
	}
}

func WithRunner(r *tasks.Runner) Option {
	return func(d *Deployer) {
		if r != nil {
			d.runner = r
		}
	}
}

// WithAnalyzer replaces the archive scanner used on cache misses.
func WithAnalyzer(fn cache.AnalyzeFunc) Option {
	return func(d *Deployer) {
		if fn != nil {
			d.analyze = fn
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deployer) { d.metrics = m }
}

// New builds a Deployer for the device behind dev.
func New(dev Device, session device.Session, c *cache.Cache, inst *installer.Installer, opts ...Option) *Deployer {
	d := &Deployer{
		dev:       dev,
		session:   session,
		cache:     c,
		installer: inst,
		runner:    tasks.NewRunner(tasks.DefaultWorkers),
		ui:        LogUI{},
		recorder:  recorder.Noop{},
		analyze:   cache.DefaultAnalyzer,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DefaultOptions allows debuggable packages and, on embedded devices, grants
// every runtime permission.
func DefaultOptions(session device.Session, extra ...installer.Option) installer.Options {
	opts := []installer.Option{installer.AllowDebuggable()}
	if session.Embedded() {
		opts = append(opts, installer.GrantAllPermissions())
	}
	return installer.NewOptions(append(opts, extra...)...)
}

// State returns the current state machine node.
func (d *Deployer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Deployer) transition(rep *Report, s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	rep.State = s
	rep.Transitions = append(rep.Transitions, s)
	log.Debug().Str("deployment", rep.ID).Str("package", rep.PackageName).Str("state", string(s)).Msg("deployer: state changed")
}

// Install always performs a full install.
func (d *Deployer) Install(ctx context.Context, pkg string, paths []string, opts installer.Options) (*Report, error) {
	return d.Deploy(ctx, Request{Mode: ModeInstall, PackageName: pkg, Paths: paths, Options: opts})
}

// FullSwap replaces every code entry of the running process.
func (d *Deployer) FullSwap(ctx context.Context, pkg string, paths []string) (*Report, error) {
	return d.Deploy(ctx, Request{Mode: ModeFullSwap, PackageName: pkg, Paths: paths})
}

// CodeSwap replaces only the changed code entries of the running process.
func (d *Deployer) CodeSwap(ctx context.Context, pkg string, paths []string) (*Report, error) {
	return d.Deploy(ctx, Request{Mode: ModeCodeSwap, PackageName: pkg, Paths: paths})
}

// Deploy runs one deployment. The returned report is never nil; a failure is
// also returned as *StepError.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*Report, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	req.PackageName = strings.TrimSpace(req.PackageName)
	rep := &Report{
		ID:          uuid.NewString(),
		Serial:      d.dev.Serial(),
		PackageName: req.PackageName,
		Mode:        req.Mode,
		StartedAt:   time.Now(),
	}
	d.transition(rep, StateIdle)

	err := d.deploy(ctx, req, rep)
	rep.FinishedAt = time.Now()
	if err != nil {
		rep.Err = err
		d.transition(rep, StateFailed)
	} else {
		d.transition(rep, StateCompleted)
	}
	d.finish(ctx, rep)
	return rep, err
}

func (d *Deployer) deploy(ctx context.Context, req Request, rep *Report) error {
	if err := req.validate(); err != nil {
		return &StepError{Package: req.PackageName, Step: "validate", Err: err}
	}

	d.transition(rep, StateAnalyzing)
	an, err := d.analyzeAll(ctx, req)
	if err != nil {
		return err
	}
	rep.Packages = an.packages

	dec := Decide(an.previous, an.packages, an.swappable)
	rep.Changes, rep.Reason = dec.Changes, dec.Reason
	strategy, fellBack, err := resolve(req.Mode, dec, an.swappable, req.FallbackToInstall)
	if err != nil {
		return &StepError{Package: req.PackageName, Step: "plan", Err: err}
	}
	if fellBack {
		rep.FellBack = true
		d.ui.Message(fmt.Sprintf("%s: %s cannot be applied (%s), performing a full install instead",
			req.PackageName, req.Mode, dec.Reason))
	}
	rep.Strategy = strategy
	d.transition(rep, strategyState(strategy))
	log.Info().Str("deployment", rep.ID).Str("serial", rep.Serial).Str("package", req.PackageName).
		Str("mode", string(req.Mode)).Str("strategy", string(strategy)).Str("reason", dec.Reason).
		Strs("changed", dec.ChangedPaths()).Msg("deployer: strategy selected")
	if strategy == StrategyNoChange {
		return nil
	}

	d.transition(rep, StateExecuting)
	err = d.execute(ctx, req, rep, strategy, dec.Changes)
	var se *installer.SwapError
	if err != nil && strategy != StrategyFullInstall && req.FallbackToInstall && errors.As(err, &se) {
		d.ui.Message(fmt.Sprintf("%s: swap failed (%s), performing a full install instead", req.PackageName, se.Reason))
		rep.FellBack = true
		rep.Strategy = StrategyFullInstall
		d.transition(rep, strategyState(StrategyFullInstall))
		d.transition(rep, StateExecuting)
		err = d.execute(ctx, req, rep, StrategyFullInstall, nil)
	}
	return err
}

// Uninstall removes pkg after confirmation and forgets its installed
// content. It reports whether the device removed the package.
func (d *Deployer) Uninstall(ctx context.Context, pkg string) (bool, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	pkg = strings.TrimSpace(pkg)
	if pkg == "" {
		return false, errors.New("deployer: package name is empty")
	}
	serial := d.dev.Serial()
	if !d.ui.Prompt(fmt.Sprintf("Uninstall %s from device %s", pkg, serial)) {
		log.Info().Str("package", pkg).Str("serial", serial).Msg("deployer: uninstall declined")
		return false, nil
	}

	rec := recorder.Record{ID: uuid.NewString(), Serial: serial, Package: pkg, Mode: "uninstall",
		Strategy: "uninstall", StartedAt: time.Now()}
	removed := d.dev.UninstallPackage(ctx, pkg)
	err := d.cache.ClearInstalled(ctx, serial, pkg)
	rec.FinishedAt = time.Now()
	rec.State, rec.Outcome = string(StateCompleted), "OK"
	if !removed {
		rec.Outcome = "NOT_REMOVED"
		d.ui.Message(fmt.Sprintf("%s was not removed from %s (not installed?)", pkg, serial))
	}
	if err != nil {
		err = &StepError{Package: pkg, Step: "forget", Err: err}
		rec.State, rec.FailedStep, rec.Error = string(StateFailed), "forget", err.Error()
	}
	if rerr := d.recorder.Record(ctx, rec); rerr != nil {
		log.Warn().Err(rerr).Str("package", pkg).Msg("deployer: record uninstall failed")
	}
	log.Info().Str("package", pkg).Str("serial", serial).Bool("removed", removed).Msg("deployer: uninstalled")
	return removed, err
}

// finish reports the deployment to the ui, recorder and metrics.
func (d *Deployer) finish(ctx context.Context, rep *Report) {
	var ie *installer.InstallError
	if errors.As(rep.Err, &ie) {
		switch ie.Outcome() {
		case transport.OutcomeUpdateIncompatible, transport.OutcomeCertificateInconsistent:
			d.ui.Message(fmt.Sprintf("%s on %s cannot be updated (%s); run `deployagent uninstall %s` and deploy again",
				rep.PackageName, rep.Serial, ie.Outcome(), rep.PackageName))
		}
	}

	rec := recorder.Record{
		ID:           rep.ID,
		Serial:       rep.Serial,
		Package:      rep.PackageName,
		Mode:         string(rep.Mode),
		Strategy:     string(rep.Strategy),
		State:        string(rep.State),
		ChangedPaths: rep.ChangedPaths(),
		FellBack:     rep.FellBack,
		StartedAt:    rep.StartedAt,
		FinishedAt:   rep.FinishedAt,
	}
	if rep.Err != nil {
		rec.Outcome = Cause(rep.Err)
		rec.Error = rep.Err.Error()
		var se *StepError
		if errors.As(rep.Err, &se) {
			rec.FailedStep = se.Step
		}
	} else if rep.Strategy != StrategyNoChange {
		rec.Outcome = string(transport.OutcomeOK)
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		log.Warn().Err(err).Str("deployment", rep.ID).Msg("deployer: record deployment failed")
	}

	if d.metrics != nil {
		d.metrics.ObserveDeployment(string(rep.Strategy), string(rep.State), rep.FinishedAt.Sub(rep.StartedAt))
		if rec.Outcome != "" {
			d.metrics.ObserveOutcome(rec.Outcome)
		}
		d.metrics.ObserveCache(d.cache.Stats())
	}

	evt := log.Info()
	if rep.Err != nil {
		evt = log.Error().Err(rep.Err).Str("failed_step", rec.FailedStep).Str("outcome", rec.Outcome)
	}
	evt.Str("deployment", rep.ID).Str("serial", rep.Serial).Str("package", rep.PackageName).
		Str("strategy", string(rep.Strategy)).Bool("fell_back", rep.FellBack).
		Dur("elapsed", rep.FinishedAt.Sub(rep.StartedAt)).Msg("deployer: deployment finished")
}

// stepError attributes a runner failure to its task.
func stepError(pkg string, err error) error {
	if err == nil {
		return nil
	}
	var te *tasks.TaskError
	if errors.As(err, &te) {
		return &StepError{Package: pkg, Step: te.Task, Err: te.Err}
	}
	return &StepError{Package: pkg, Step: "run", Err: err}
}

func baseName(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	base := filepath.Base(p)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
