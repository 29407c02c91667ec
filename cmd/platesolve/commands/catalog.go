package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/store"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the object and tour catalog",
}

var addObjectCmd = &cobra.Command{
	Use:   "add-object <name> <ra-hours> <dec-degrees>",
	Short: "Add or replace a catalog object",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ra, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("bad right ascension %q: %w", args[1], err)
		}
		dec, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("bad declination %q: %w", args[2], err)
		}
		pos, err := coord.New(ra, dec)
		if err != nil {
			return err
		}
		return withStore(func(db *store.Store) error {
			return db.AddObject(cmd.Context(), store.Object{Name: args[0], Position: pos})
		})
	},
}

var addTourCmd = &cobra.Command{
	Use:   "add-tour <tour> <seq> <object>",
	Short: "Set a stop of a tour",
	Long:  `Tours are named without the "TOUR " prefix used to go to them.`,
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad sequence number %q: %w", args[1], err)
		}
		return withStore(func(db *store.Store) error {
			return db.AddTourStop(cmd.Context(), args[0], seq, args[2])
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Print the position of an object or the first stop of a tour",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *store.Store) error {
			obj, err := db.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", obj.Name, obj.Position)
			return nil
		})
	},
}

func init() {
	catalogCmd.AddCommand(addObjectCmd, addTourCmd, resolveCmd)
	rootCmd.AddCommand(catalogCmd)
}

func withStore(f func(*store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	return f(db)
}
