package app

import (
	"context"

	"github.com/Blackdeer1524/walapply/src/cli"
)

var rootCmd = cli.Init("walapply", "Replays a database transaction log onto a target database")

func MustExecute(ctx context.Context) {
	initStart()
	initDump()
	rootCmd.MustExecute(ctx)
}
