package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"santosobot/pkg/logger"
)

// main 是 santosobot 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
