package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/httprunner/DeployAgent/internal/recorder"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagPackage string
		flagLimit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent deployments recorded on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, err := cfg.ResolveDBPath()
			if err != nil {
				return err
			}
			rec, err := recorder.OpenSQLite(path)
			if err != nil {
				return err
			}
			defer rec.Close()

			records, err := rec.Recent(cmd.Context(), cfg.Serial, strings.TrimSpace(flagPackage), flagLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tSERIAL\tPACKAGE\tMODE\tSTRATEGY\tSTATE\tOUTCOME\tTOOK")
			for _, r := range records {
				strategy := r.Strategy
				if r.FellBack {
					strategy += "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(r.StartedAt), r.Serial, r.Package, r.Mode, strategy,
					r.State, r.Outcome, r.Duration().Round(time.Millisecond))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&flagPackage, "package", "", "Only show this package")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum rows")
	return cmd
}
