package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/milkywaybrain/tradelog/internal/config"
	"github.com/milkywaybrain/tradelog/internal/initializer"
	"github.com/pkg/errors"
)

func main() {
	cfgPath := flag.String("config", "./config.json", "path of the JSON config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tradelog: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = initializer.Start(ctx, cfg)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tradelog: %v\n", err)
		stop()
		os.Exit(1)
	}
}
