package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"catalert/internal/app"
	"catalert/internal/listing"
)

var (
	listAll  bool
	listJSON bool
)

func init() {
	listCmd.Flags().BoolVar(&listAll, "all", false, "include animals no longer listed")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print records as JSON")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the animals in the last committed snapshot.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.Store().LoadCurrent(cmd.Context())
		if err != nil {
			return err
		}
		var recs []listing.Record
		for _, r := range snap.Sorted() {
			if r.Listed || listAll {
				recs = append(recs, r)
			}
		}

		out := cmd.OutOrStdout()
		if listJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tNAME\tSEX\tAGE\tLISTED\tNOTIFIED\tFIRST SEEN")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\t%s\n",
				r.Key, r.Field(listing.FieldName), r.Field(listing.FieldSex), r.Field(listing.FieldAge),
				r.Listed, !r.Pending() && r.Notified, r.FirstSeen.Local().Format("2006-01-02 15:04"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d animals (snapshot committed %s)\n", len(recs), snap.CommittedAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}
