package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cordum/hookbridge/core/bridge/app"
	"github.com/cordum/hookbridge/core/infra/buildinfo"
	"github.com/cordum/hookbridge/core/infra/config"
)

func main() {
	buildinfo.Log("hookbridge-sender")
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, cfg, app.RoleSender); err != nil {
		log.Fatalf("sender role error: %v", err)
	}
}
