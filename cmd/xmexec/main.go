package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mensylisir/xmexec/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Log.Error(err)
		os.Exit(exitCode(err))
	}
}
