package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/netresearch/ldappool/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		log.Fatalf("error: %v\n", err)
	}
}
