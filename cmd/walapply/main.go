package main

import (
	"context"

	"github.com/Blackdeer1524/walapply/cmd/walapply/app"
)

func main() {
	app.MustExecute(context.Background())
}
