package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"github.com/w1xm/platesolve/internal/config"
	"github.com/w1xm/platesolve/pointing"
	"github.com/w1xm/platesolve/store"
)

var observationsLimit int

var observationsCmd = &cobra.Command{
	Use:   "observations",
	Short: "List recent solve observations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return listObservations(cmd, cfg)
	},
}

func init() {
	observationsCmd.Flags().IntVarP(&observationsLimit, "limit", "n", 20, "Number of observations to list")
	rootCmd.AddCommand(observationsCmd)
}

func listObservations(cmd *cobra.Command, cfg *config.Config) error {
	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	obs, err := db.Observations(cmd.Context(), observationsLimit)
	if err != nil {
		return err
	}
	printObservations(cmd.OutOrStdout(), obs)
	return nil
}

func printObservations(w io.Writer, obs []pointing.Observation) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("TIME", "RESULT", "COMMANDED", "POSITION", "ΔRA\"", "ΔDEC\"", "ERROR\"")
	for _, o := range obs {
		position := "-"
		if o.Solved {
			position = o.Position.String()
		}
		table.AddRow(
			o.Time.Local().Format(time.DateTime),
			o.Result,
			o.Commanded.String(),
			position,
			fmt.Sprintf("%.1f", o.Error.DeltaRAArcsec),
			fmt.Sprintf("%.1f", o.Error.DeltaDecArcsec),
			fmt.Sprintf("%.1f", o.Error.MagnitudeArcsec),
		)
	}
	fmt.Fprintln(w, table)
}
