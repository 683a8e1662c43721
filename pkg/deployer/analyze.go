package deployer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/internal/tasks"
	"github.com/httprunner/DeployAgent/pkg/apk"
)

const (
	taskPrevious  = "previous"
	taskSwappable = "swappable"
)

type analysis struct {
	packages  []*apk.Package
	previous  []*apk.Package
	swappable bool
}

// analyzeAll runs the analysis graph: one analyze task per file, the
// previously installed content, and swap support once processes are known.
func (d *Deployer) analyzeAll(ctx context.Context, req Request) (*analysis, error) {
	b := tasks.NewBuilder("analyze/" + req.PackageName)
	names := make([]string, len(req.Paths))
	for i, p := range req.Paths {
		names[i] = "analyze/" + baseName(p)
		b.Add(names[i], nil, func(ctx context.Context, _ map[string]any) (any, error) {
			return d.cache.Analyze(ctx, p, d.analyze)
		})
	}
	b.Add(taskPrevious, nil, func(ctx context.Context, _ map[string]any) (any, error) {
		return d.previous(ctx, req.PackageName)
	})
	if req.Mode != ModeInstall {
		b.Add(taskSwappable, names, func(ctx context.Context, inputs map[string]any) (any, error) {
			var procs []string
			seen := map[string]bool{}
			for _, n := range names {
				for _, proc := range inputs[n].(*apk.Package).Processes() {
					if !seen[proc] {
						seen[proc] = true
						procs = append(procs, proc)
					}
				}
			}
			if len(procs) == 0 {
				procs = []string{req.PackageName}
			}
			return d.installer.SupportsSwap(ctx, req.PackageName, procs)
		})
	}
	g, err := b.Build()
	if err != nil {
		return nil, &StepError{Package: req.PackageName, Step: "analyze", Err: err}
	}

	res := d.runner.Run(ctx, g)
	if err := res.Err(); err != nil {
		return nil, stepError(req.PackageName, err)
	}

	an := &analysis{}
	splits := make(map[string]string, len(names))
	for _, n := range names {
		out, _ := res.Output(n)
		p := out.(*apk.Package)
		if p.PackageName() != req.PackageName {
			return nil, &StepError{Package: req.PackageName, Step: n,
				Err: errors.Errorf("deployer: %s declares package %q", p.Path(), p.PackageName())}
		}
		if other, ok := splits[p.Name()]; ok {
			return nil, &StepError{Package: req.PackageName, Step: n,
				Err: errors.Errorf("deployer: %s and %s are both split %s", other, p.Path(), p.Name())}
		}
		splits[p.Name()] = p.Path()
		an.packages = append(an.packages, p)
	}
	selected := apk.SelectForABIs(an.packages, d.session.ABIs())
	if len(selected) != len(an.packages) {
		log.Info().Strs("abis", d.session.ABIs()).Int("given", len(an.packages)).Int("kept", len(selected)).
			Msg("deployer: dropped ABI splits not matching the device")
	}
	an.packages = selected

	if out, ok := res.Output(taskPrevious); ok {
		an.previous, _ = out.([]*apk.Package)
	}
	if out, ok := res.Output(taskSwappable); ok {
		an.swappable, _ = out.(bool)
	}
	return an, nil
}

// previous loads the content recorded as installed for the package. A record
// whose app is no longer on the device, or whose models are missing, counts
// as no record.
func (d *Deployer) previous(ctx context.Context, pkg string) ([]*apk.Package, error) {
	serial := d.dev.Serial()
	checksums, ok, err := d.cache.Installed(ctx, serial, pkg)
	if err != nil {
		return nil, err
	}
	if !ok || len(checksums) == 0 {
		return nil, nil
	}
	installed, err := d.dev.IsInstalled(ctx, pkg)
	if err != nil {
		return nil, err
	}
	if !installed {
		log.Info().Str("serial", serial).Str("package", pkg).Msg("deployer: recorded package is gone from device")
		if err := d.cache.ClearInstalled(ctx, serial, pkg); err != nil {
			log.Warn().Err(err).Str("package", pkg).Msg("deployer: clear stale installed record failed")
		}
		return nil, nil
	}
	models := make([]*apk.Package, 0, len(checksums))
	for _, sum := range checksums {
		m, ok, err := d.cache.Get(ctx, sum)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warn().Str("package", pkg).Str("checksum", sum).Msg("deployer: installed model missing from cache")
			return nil, nil
		}
		models = append(models, m)
	}
	return models, nil
}
