package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"proctor/internal/config"
	"proctor/internal/database"
)

// NewPruneCmd creates the prune command.
func NewPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished sessions older than a cutoff from the session store",
		Long: `Remove finished sessions that started before now minus --older-than,
together with their violations. Sessions still running are never removed.
Session summary files on disk are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return fmt.Errorf("no session store configured (database.path)")
			}
			age, _ := cmd.Flags().GetDuration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			db, err := database.New(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}

			cutoff := time.Now().Add(-age)
			n, err := db.DeleteSessionsBefore(cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s) started before %s (%s)\n",
				n, cutoff.Format(time.DateTime), humanize.Time(cutoff))
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 30*24*time.Hour, "minimum age of sessions to delete")
	return cmd
}
