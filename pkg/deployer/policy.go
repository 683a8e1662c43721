package deployer

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/httprunner/DeployAgent/internal/installer"
	"github.com/httprunner/DeployAgent/pkg/apk"
)

// Decision is the outcome of the strategy policy.
type Decision struct {
	Strategy Strategy
	Reason   string
	Changes  []Change
}

// ChangedPaths returns the distinct changed entry paths, sorted.
func (d Decision) ChangedPaths() []string { return changedPaths(d.Changes) }

// Decide picks a strategy for moving a device from prev to next. prev is
// empty when nothing usable is recorded for the device.
//
//  1. no previous install, a different split set, or any manifest or native
//     difference: full install
//  2. only added or modified code and the process supports swapping: code swap
//  3. any other difference: full swap
//  4. nothing differs: no change
func Decide(prev, next []*apk.Package, swappable bool) Decision {
	if len(prev) == 0 {
		return Decision{Strategy: StrategyFullInstall, Reason: "no previous install recorded"}
	}
	prevByName := make(map[string]*apk.Package, len(prev))
	for _, p := range prev {
		prevByName[p.Name()] = p
	}
	if len(prevByName) != len(next) {
		return Decision{Strategy: StrategyFullInstall, Reason: "package split set changed"}
	}
	for _, p := range next {
		if _, ok := prevByName[p.Name()]; !ok {
			return Decision{Strategy: StrategyFullInstall, Reason: "package split set changed: new split " + p.Name()}
		}
	}

	ordered := append([]*apk.Package(nil), next...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name() < ordered[j].Name() })

	var changes []Change
	codeOnly := true
	for _, p := range ordered {
		for _, c := range apk.Diff(prevByName[p.Name()], p) {
			changes = append(changes, Change{Split: p.Name(), Change: c})
		}
	}
	for _, c := range changes {
		switch {
		case c.Kind == apk.KindManifest || c.Kind == apk.KindNative:
			return Decision{
				Strategy: StrategyFullInstall,
				Reason:   fmt.Sprintf("%s entry %s %s in %s", c.Kind, c.Path, c.Op, c.Split),
				Changes:  changes,
			}
		case c.Kind != apk.KindCode || c.Op == apk.OpRemoved:
			codeOnly = false
		}
	}

	switch {
	case len(changes) == 0:
		return Decision{Strategy: StrategyNoChange, Reason: "content identical to installed"}
	case codeOnly && swappable:
		return Decision{Strategy: StrategyCodeSwap, Reason: "only code changed", Changes: changes}
	case codeOnly:
		return Decision{Strategy: StrategyFullSwap, Reason: "only code changed but process cannot swap", Changes: changes}
	}
	return Decision{Strategy: StrategyFullSwap, Reason: "resources changed", Changes: changes}
}

// resolve applies the requested mode on top of the policy decision. A swap
// that cannot be honoured returns a *installer.SwapError unless fallback is
// set, in which case a full install is chosen and fellBack is true.
func resolve(mode Mode, d Decision, swappable, fallback bool) (Strategy, bool, error) {
	refuse := func(reason installer.SwapReason, detail string) (Strategy, bool, error) {
		if fallback {
			return StrategyFullInstall, true, nil
		}
		return "", false, &installer.SwapError{Reason: reason, Detail: detail}
	}

	switch mode {
	case ModeInstall:
		return StrategyFullInstall, false, nil
	case ModeAuto:
		return d.Strategy, false, nil
	case ModeFullSwap:
		if d.Strategy == StrategyFullInstall {
			return refuse(installer.ReasonIncompatibleChange, d.Reason)
		}
		if d.Strategy == StrategyNoChange {
			return StrategyNoChange, false, nil
		}
		return StrategyFullSwap, false, nil
	case ModeCodeSwap:
		switch d.Strategy {
		case StrategyFullInstall:
			return refuse(installer.ReasonIncompatibleChange, d.Reason)
		case StrategyNoChange, StrategyCodeSwap:
			return d.Strategy, false, nil
		}
		for _, c := range d.Changes {
			if c.Kind != apk.KindCode || c.Op == apk.OpRemoved {
				return refuse(installer.ReasonIncompatibleChange,
					fmt.Sprintf("%s entry %s %s cannot be code swapped", c.Kind, c.Path, c.Op))
			}
		}
		if !swappable {
			return refuse(installer.ReasonProcessNotFound, "no swappable process running")
		}
		return StrategyCodeSwap, false, nil
	}
	return "", false, errors.Errorf("deployer: unknown mode %q", mode)
}
