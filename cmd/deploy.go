package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/httprunner/DeployAgent/internal/installer"
	"github.com/httprunner/DeployAgent/pkg/deployer"
)

type deployFlags struct {
	fallbackInstall bool
	grantAll        bool
	extraFlags      []string
}

func newDeployCmd() *cobra.Command {
	return newModeCmd(deployer.ModeAuto, "deploy <package> <apk>...",
		"Pick the cheapest safe strategy: no change, code swap, full swap or full install")
}

func newInstallCmd() *cobra.Command {
	return newModeCmd(deployer.ModeInstall, "install <package> <apk>...",
		"Install the packages through one pm session, replacing any existing install")
}

func newFullSwapCmd() *cobra.Command {
	return newModeCmd(deployer.ModeFullSwap, "fullswap <package> <apk>...",
		"Swap every code entry and changed resources into the running process")
}

func newCodeSwapCmd() *cobra.Command {
	return newModeCmd(deployer.ModeCodeSwap, "codeswap <package> <apk>...",
		"Swap only the changed code entries into the running process")
}

func newModeCmd(mode deployer.Mode, use, short string) *cobra.Command {
	var flags deployFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var extra []installer.Option
			if flags.grantAll {
				extra = append(extra, installer.GrantAllPermissions())
			}
			if len(flags.extraFlags) > 0 {
				extra = append(extra, installer.WithFlags(flags.extraFlags...))
			}
			req := deployer.Request{
				Mode:              mode,
				PackageName:       args[0],
				Paths:             args[1:],
				Options:           deployer.DefaultOptions(a.session, extra...),
				FallbackToInstall: flags.fallbackInstall || cfg.FallbackInstall,
			}
			rep, err := a.deployer.Deploy(cmd.Context(), req)
			printReport(os.Stdout, rep)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&flags.extraFlags, "install-flag", nil, "Extra pm install-create flag (repeatable)")
	cmd.Flags().BoolVar(&flags.grantAll, "grant-all", false, "Grant all runtime permissions on install")
	if mode != deployer.ModeInstall {
		cmd.Flags().BoolVar(&flags.fallbackInstall, "fallback-install", false,
			"Fall back to a full install when a swap is refused or fails (default from DEPLOYAGENT_FALLBACK_INSTALL)")
	}
	return cmd
}

func printReport(w io.Writer, rep *deployer.Report) {
	if rep == nil {
		return
	}
	elapsed := rep.FinishedAt.Sub(rep.StartedAt).Round(10 * time.Millisecond)
	fmt.Fprintf(w, "%s on %s: %s", rep.PackageName, rep.Serial, rep.State)
	if rep.Strategy != "" {
		fmt.Fprintf(w, " (%s", rep.Strategy)
		if rep.FellBack {
			fmt.Fprint(w, ", fell back")
		}
		fmt.Fprint(w, ")")
	}
	fmt.Fprintf(w, " in %s\n", elapsed)
	if rep.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", rep.Reason)
	}
	for _, p := range rep.Packages {
		var size int64
		for _, e := range p.Entries() {
			size += e.Size
		}
		fmt.Fprintf(w, "  %s %s (%s uncompressed)\n", p.Name(), shortChecksum(p.Checksum()), humanize.Bytes(uint64(size)))
	}
	if changed := rep.ChangedPaths(); len(changed) > 0 {
		fmt.Fprintf(w, "  changed: %s\n", strings.Join(changed, ", "))
	}
	if rep.Err != nil {
		if cause := deployer.Cause(rep.Err); cause != "" {
			fmt.Fprintf(w, "  outcome: %s\n", cause)
		}
	}
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
