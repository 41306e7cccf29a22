package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"catalert/internal/app"
)

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and exit.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := app.CheckConfig(cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: tracking %s, storage %s\n", cfg.Shelter.TrackingURL, cfg.Storage.Path)
		return nil
	},
}
