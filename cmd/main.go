package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MimeLyc/slide-translator/internal/cli"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := &cli.Flags{}
	rootCmd := cli.CreateRootCommand(flags, cli.Runtime{})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error("%v", err)
		stop()
		os.Exit(1)
	}
	_ = log.GetLogger().Sync()
}
