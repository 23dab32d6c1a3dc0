package app

import (
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/walapply/src/app"
)

func initStart() {
	var (
		db      string
		logPath string
		dsn     string
		once    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Applies the log continuously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rootCmd.LoadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("db") {
				c.Database = db
			}
			if flags.Changed("log-path") {
				c.LogPath = logPath
			}
			if flags.Changed("dsn") {
				c.TargetDSN = dsn
			}
			if flags.Changed("once") {
				c.StopWhenCaughtUp = once
			}

			return app.Run(cmd.Context(), &app.ApplierEntrypoint{Config: c})
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "database name, also the log volume prefix")
	cmd.Flags().StringVar(&logPath, "log-path", "", "directory holding the log volumes")
	cmd.Flags().StringVar(&dsn, "dsn", "", "target database DSN; empty journals changes in memory")
	cmd.Flags().BoolVar(&once, "once", false, "exit once the end of the log is reached")

	rootCmd.AddCommand(cmd)
}
