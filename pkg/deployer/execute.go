package deployer

import (
	"archive/zip"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/internal/installer"
	"github.com/httprunner/DeployAgent/internal/tasks"
	"github.com/httprunner/DeployAgent/internal/transport"
	"github.com/httprunner/DeployAgent/pkg/apk"
)

const (
	taskInstall = "install"
	taskSwap    = "swap"
	taskRecord  = "record"

	cleanupTimeout = 30 * time.Second
)

// execute runs the execution graph: concurrent pushes, then install or swap,
// then the installed pointer update.
func (d *Deployer) execute(ctx context.Context, req Request, rep *Report, strategy Strategy, changes []Change) error {
	stage := path.Join(d.dev.StagingDir(), fmt.Sprintf("deploy-%s-%s", rep.ID, strategy))
	defer d.cleanup(ctx, stage)

	b := tasks.NewBuilder("execute/" + req.PackageName)
	var pushes []string
	last := taskInstall

	switch strategy {
	case StrategyFullInstall:
		for i, p := range rep.Packages {
			name := "push/" + p.Name()
			remote := path.Join(stage, fmt.Sprintf("%d_%s.apk", i, p.Name()))
			pushes = append(pushes, name)
			b.Add(name, nil, func(ctx context.Context, _ map[string]any) (any, error) {
				return d.dev.PushFile(ctx, p.Path(), remote)
			})
		}
		b.Add(taskInstall, pushes, func(ctx context.Context, inputs map[string]any) (any, error) {
			staged := make([]transport.StagedFile, 0, len(pushes))
			for _, n := range pushes {
				staged = append(staged, inputs[n].(transport.StagedFile))
			}
			return nil, d.installer.Execute(ctx, installer.Request{
				Kind:           installer.Conventional,
				PackageName:    req.PackageName,
				Staged:         staged,
				Options:        req.Options,
				AllowReinstall: true,
			})
		})

	case StrategyFullSwap, StrategyCodeSwap:
		last = taskSwap
		entries := swapEntries(rep.Packages, changes, strategy)
		var processes []string
		seen := map[string]bool{}
		for _, p := range rep.Packages {
			for _, proc := range p.Processes() {
				if !seen[proc] {
					seen[proc] = true
					processes = append(processes, proc)
				}
			}
			paths := entries[p.Name()]
			if len(paths) == 0 {
				continue
			}
			name := "push/" + p.Name()
			pushes = append(pushes, name)
			b.Add(name, nil, func(ctx context.Context, _ map[string]any) (any, error) {
				return d.pushEntries(ctx, p, paths, path.Join(stage, p.Name()))
			})
		}
		kind := installer.FullSwap
		if strategy == StrategyCodeSwap {
			kind = installer.PartialSwap
		}
		b.Add(taskSwap, pushes, func(ctx context.Context, inputs map[string]any) (any, error) {
			var staged []installer.SwapEntry
			for _, n := range pushes {
				staged = append(staged, inputs[n].([]installer.SwapEntry)...)
			}
			return nil, d.installer.Execute(ctx, installer.Request{
				Kind:        kind,
				PackageName: req.PackageName,
				Processes:   processes,
				Entries:     staged,
				Options:     req.Options,
			})
		})

	default:
		return &StepError{Package: req.PackageName, Step: "plan",
			Err: errors.Errorf("deployer: nothing to execute for %s", strategy)}
	}

	checksums := rep.Checksums()
	b.Add(taskRecord, []string{last}, func(ctx context.Context, _ map[string]any) (any, error) {
		return nil, d.cache.SetInstalled(ctx, d.dev.Serial(), req.PackageName, checksums)
	})

	g, err := b.Build()
	if err != nil {
		return &StepError{Package: req.PackageName, Step: "plan", Err: err}
	}
	return stepError(req.PackageName, d.runner.Run(ctx, g).Err())
}

// swapEntries lists, per split, the entry paths a swap must push. A code
// swap sends changed code only; a full swap sends every code entry plus
// added or modified resources.
func swapEntries(pkgs []*apk.Package, changes []Change, strategy Strategy) map[string][]string {
	out := make(map[string][]string, len(pkgs))
	for _, c := range changes {
		if c.Op == apk.OpRemoved {
			continue
		}
		if (c.Kind == apk.KindCode && strategy == StrategyCodeSwap) ||
			(c.Kind == apk.KindResource && strategy == StrategyFullSwap) {
			out[c.Split] = append(out[c.Split], c.Path)
		}
	}
	if strategy == StrategyFullSwap {
		for _, p := range pkgs {
			var code []string
			for _, e := range p.EntryPaths() {
				if apk.Classify(e) == apk.KindCode {
					code = append(code, e)
				}
			}
			out[p.Name()] = append(code, out[p.Name()]...)
		}
	}
	return out
}

// pushEntries extracts entries from the local archive and stages them under
// remoteDir, keeping their in-package paths.
func (d *Deployer) pushEntries(ctx context.Context, p *apk.Package, entries []string, remoteDir string) ([]installer.SwapEntry, error) {
	zr, err := zip.OpenReader(p.Path())
	if err != nil {
		return nil, errors.Wrapf(err, "deployer: open %s", p.Path())
	}
	defer zr.Close()

	index := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if name, err := apk.NormalizePath(f.Name); err == nil {
			index[name] = f
		}
	}
	out := make([]installer.SwapEntry, 0, len(entries))
	for _, entry := range entries {
		f, ok := index[entry]
		if !ok {
			return nil, errors.Errorf("deployer: entry %s missing from %s", entry, p.Path())
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "deployer: read %s from %s", entry, p.Path())
		}
		remote := path.Join(remoteDir, entry)
		size := int64(f.UncompressedSize64)
		err = d.dev.PushBytes(ctx, rc, size, remote)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, installer.SwapEntry{
			Split: p.Name(),
			Path:  entry,
			File:  transport.StagedFile{Name: entry, LocalPath: p.Path(), RemotePath: remote, Size: size},
		})
	}
	return out, nil
}

// cleanup removes the staging directory of one execution, best effort.
func (d *Deployer) cleanup(ctx context.Context, stage string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := d.dev.RemoveAll(ctx, stage); err != nil {
		log.Warn().Err(err).Str("dir", stage).Msg("deployer: remove staging dir failed")
	}
}
