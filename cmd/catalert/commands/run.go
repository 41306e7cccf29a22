package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"catalert/internal/app"
	"catalert/internal/cycle"
)

var runJSON bool

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the cycle result as JSON")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one detection cycle and exit (0 ok or skipped, 2 implausible page, 1 failure).",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.RunOnce(cmd.Context())
		if runJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		}
		if code := res.ExitCode(); code != 0 {
			return &exitError{code: code, err: fmt.Errorf("cycle %s: %s", res.Status, res.Error)}
		}
		if !runJSON && res.Status == cycle.StatusSuccess {
			fmt.Fprintf(cmd.OutOrStdout(), "cycle %s: %d new, %d back, %d removed, %d notified, %d failed\n",
				res.ID, res.Added, res.Reappeared, res.Removed, res.Delivered, res.Failed)
		}
		return nil
	},
}
