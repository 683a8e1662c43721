package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/httprunner/DeployAgent/internal/providers/adb"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached devices and their adb state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := adb.NewDefault()
			if err != nil {
				return err
			}
			states, err := provider.ListDevicesWithState(cmd.Context())
			if err != nil {
				return err
			}
			serials := make([]string, 0, len(states))
			for serial := range states {
				serials = append(serials, serial)
			}
			sort.Strings(serials)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tSTATE")
			for _, serial := range serials {
				fmt.Fprintf(w, "%s\t%s\n", serial, states[serial])
			}
			return w.Flush()
		},
	}
}
