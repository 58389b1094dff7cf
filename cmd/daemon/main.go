// Command treasuryd keeps the treasury ledger in sync with the chain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/0xb10c/treasury-go/src/config"
	"github.com/0xb10c/treasury-go/src/daemon"
	"github.com/0xb10c/treasury-go/src/logging"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.WithField("network", cfg.Network()).Info("Starting treasury daemon")

	d, err := daemon.NewTreasuryDaemon(cfg, log)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errRun := d.Run(ctx)
	if errRun != nil {
		log.WithError(errRun).Error("Error during operation, shutting down")
	} else {
		log.Info("Shutting down")
	}

	errClose := d.Close()
	if errClose != nil {
		log.WithError(errClose).Error("Error during shutdown")
	}

	if errRun != nil || errClose != nil {
		os.Exit(1)
	}
}
