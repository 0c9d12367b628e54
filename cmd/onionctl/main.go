package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/edvin/onionctl/internal/config"
	"github.com/edvin/onionctl/internal/logging"
	"github.com/edvin/onionctl/internal/registry"
	"github.com/edvin/onionctl/internal/service"
	"github.com/edvin/onionctl/internal/sysops"
	"github.com/edvin/onionctl/internal/torrc"
)

func main() {
	var (
		listFlag    = flag.BoolP("list", "l", false, "List registered services and their status")
		testFlag    = flag.BoolP("test", "t", false, "List services and probe their local web servers")
		stopName    = flag.String("stop", "", "Stop the tracked web server of a managed service")
		removeNames = flag.String("remove", "", "Remove one or more services (comma-separated)")
		verbose     = flag.BoolP("verbose", "v", false, "Enable debug logging")
		yes         = flag.Bool("yes", false, "Skip confirmation prompts")
		configPath  = flag.StringP("config", "c", "", "Path to a YAML config file")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: onionctl [flags]

Without flags, onionctl interactively creates a new onion service.

Flags:`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(*configPath, *listFlag, *testFlag, *stopName, *removeNames, *verbose, *yes); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, list, test bool, stopName, removeNames string, verbose, yes bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg, verbose)

	// SIGINT/SIGTERM cancels the in-flight operation. There is no rollback:
	// an interrupted removal can leave a record pointing at deleted
	// directories until the next run reconciles.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys := sysops.NewLocal(logger)
	if err := sys.Detect(); err != nil {
		return err
	}

	store := registry.NewStore(logger, cfg.RegistryPath)
	editor := torrc.NewEditor(logger, cfg.TorrcPath)
	mgr := service.NewManager(logger, cfg, store, editor, sys)
	if yes {
		mgr.SetConfirm(func(string) bool { return true })
	}

	switch {
	case list:
		return mgr.List(ctx)
	case test:
		return mgr.Test(ctx)
	case stopName != "":
		return mgr.Stop(ctx, stopName)
	case removeNames != "":
		return mgr.Remove(ctx, removeNames)
	default:
		return mgr.Create(ctx)
	}
}
