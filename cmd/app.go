package main

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/internal/config"
	"github.com/httprunner/DeployAgent/internal/device"
	"github.com/httprunner/DeployAgent/internal/installer"
	"github.com/httprunner/DeployAgent/internal/metrics"
	"github.com/httprunner/DeployAgent/internal/providers/adb"
	"github.com/httprunner/DeployAgent/internal/recorder"
	"github.com/httprunner/DeployAgent/internal/tasks"
	"github.com/httprunner/DeployAgent/internal/transport"
	"github.com/httprunner/DeployAgent/pkg/cache"
	"github.com/httprunner/DeployAgent/pkg/deployer"
)

// app is everything one CLI invocation needs to talk to one device.
type app struct {
	cfg      config.Config
	client   *transport.Client
	session  device.Session
	cache    *cache.Cache
	recorder recorder.Recorder
	metrics  *metrics.Metrics
	deployer *deployer.Deployer
}

func openApp(ctx context.Context, cfg config.Config) (a *app, err error) {
	a = &app{cfg: cfg, metrics: metrics.New(), recorder: recorder.Noop{}}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	provider, err := adb.NewDefault()
	if err != nil {
		return a, err
	}
	dev, err := provider.Device(ctx, cfg.Serial)
	if err != nil {
		return a, err
	}
	a.client, err = transport.New(dev,
		transport.WithTimeout(cfg.CommandTimeout),
		transport.WithStagingDir(cfg.StagingDir),
		transport.WithLocker(device.NewManager()),
	)
	if err != nil {
		return a, err
	}
	a.session, err = a.client.OpenSession(ctx)
	if err != nil {
		return a, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return a, err
	}
	a.cache = cache.New(store)

	a.recorder, err = openRecorder(cfg)
	if err != nil {
		return a, err
	}

	runner := tasks.NewRunner(cfg.Workers, tasks.WithObserver(a.metrics.TaskObserver()))
	a.deployer = deployer.New(a.client, a.session, a.cache, installer.New(a.client, cfg.AgentPath),
		deployer.WithUI(newTerminalUI(rootYes)),
		deployer.WithRecorder(a.recorder),
		deployer.WithRunner(runner),
		deployer.WithMetrics(a.metrics),
	)
	return a, nil
}

func openStore(cfg config.Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case config.BackendBadger:
		dir, err := cfg.ResolveBadgerDir()
		if err != nil {
			return nil, err
		}
		return cache.OpenBadger(dir)
	default:
		path, err := cfg.ResolveDBPath()
		if err != nil {
			return nil, err
		}
		return cache.OpenSQLite(path)
	}
}

// openRecorder always keeps local history and adds the Feishu bitable when
// a result table is configured.
func openRecorder(cfg config.Config) (recorder.Recorder, error) {
	path, err := cfg.ResolveDBPath()
	if err != nil {
		return nil, err
	}
	local, err := recorder.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	feishuRec, err := recorder.NewFeishuRecorder(cfg.ResultBitableURL)
	if err != nil {
		log.Warn().Err(err).Msg("deployagent: feishu result recorder disabled")
		return local, nil
	}
	if feishuRec == nil {
		return local, nil
	}
	return recorder.Multi{local, feishuRec}, nil
}

// Close flushes metrics and releases the stores.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.metrics != nil {
		if err := a.metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
			errs = append(errs, err)
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "close recorder"))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "close cache"))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Msg("deployagent: shutdown incomplete")
	}
	return err
}
