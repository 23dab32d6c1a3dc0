package app

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/walapply/src/app"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
)

func initDump() {
	var (
		db      string
		logPath string
		page    int64
		opts    app.DumpOptions
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Prints the record boundaries of one log page",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := rootCmd.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				c.Database = db
			}
			if cmd.Flags().Changed("log-path") {
				c.LogPath = logPath
			}
			if err := c.Validate(); err != nil {
				return err
			}

			opts.Page = common.PageID(page)
			return app.Dump(cmd.Context(), afero.NewReadOnlyFs(afero.NewOsFs()), c, opts, cmd.OutOrStdout(), zap.NewNop().Sugar())
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "database name, also the log volume prefix")
	cmd.Flags().StringVar(&logPath, "log-path", "", "directory holding the log volumes")
	cmd.Flags().Int64Var(&page, "page", 0, "logical page id")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print JSON instead of a table")
	cmd.Flags().BoolVar(&opts.Archive, "archive", false, "read the page from the archives only")

	rootCmd.AddCommand(cmd)
}
