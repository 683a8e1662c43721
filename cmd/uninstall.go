package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <package>",
		Short: "Remove a package from the device and forget what was deployed",
		Args:  cobra.ExactArgs(1),
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

			removed, err := a.deployer.Uninstall(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if removed {
				fmt.Printf("%s removed from %s\n", args[0], a.client.Serial())
			}
			return nil
		},
	}
}
