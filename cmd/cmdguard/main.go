package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/livinlefevreloca/cmdguard/cmd/cmdguard/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := app.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
