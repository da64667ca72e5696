package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/rowguard/internal/app"
	"github.com/charlesng35/rowguard/internal/app/maintenance"
	"github.com/charlesng35/rowguard/internal/identity"
	"github.com/charlesng35/rowguard/pkg/logger"
)

const usage = `usage: rowguard [-config path] <command> [args]

commands:
  migrate            create the permission tables and the anonymous user
  create-anonymous   create the anonymous user if it is missing
  clean-orphans      delete object permissions whose target row is gone
  notify-expiring    send expiry notices for expiring and expired grants
  user-perms NAME    print the global permissions held by a user
  run                run the maintenance jobs until interrupted
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rowguard", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprint(out, usage) }

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	command, rest := fs.Arg(0), fs.Args()[1:]
	if !knownCommand(command) {
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Log); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	// Startup runs to completion even if a signal arrives meanwhile; ctx
	// still bounds the command itself.
	stack, err := bootstrapRuntime(context.WithoutCancel(ctx), cfg, log)
	if err != nil {
		return err
	}
	defer stack.Shutdown(log)

	switch command {
	case "migrate":
		fmt.Fprintln(out, "schema up to date")
		return nil
	case "create-anonymous":
		user, err := identity.EnsureAnonymousUser(ctx, stack.DB, cfg.Guardian.AnonymousUserName)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "anonymous user %s (%s)\n", user.Username, user.ID)
		return nil
	case "clean-orphans":
		deleted, err := maintenance.CleanOrphanObjPerms(ctx, stack.Adapter, cfg.Maintenance.BatchSize)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d orphan object permissions\n", deleted)
		return nil
	case "notify-expiring":
		stats, err := maintenance.ScanExpiryNotices(ctx, stack.Adapter, stack.Notifier, time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sent %d expiring and %d expired notices\n", stats.ExpiringSoon, stats.Expired)
		return nil
	case "user-perms":
		return printUserPerms(ctx, stack, rest, out)
	case "run":
		return runMaintenance(ctx, cfg, stack, log)
	}
	return nil
}

func knownCommand(name string) bool {
	switch name {
	case "migrate", "create-anonymous", "clean-orphans", "notify-expiring", "user-perms", "run":
		return true
	}
	return false
}

func printUserPerms(ctx context.Context, stack *runtimeStack, args []string, out io.Writer) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return errors.New("user-perms: expected a username")
	}

	user, err := stack.findUser(ctx, args[0])
	if err != nil {
		return err
	}
	checker, err := stack.Service.NewChecker(ctx, user)
	if err != nil {
		return err
	}
	perms, err := checker.GlobalPerms(ctx)
	if err != nil {
		return err
	}
	for _, perm := range perms {
		fmt.Fprintln(out, perm)
	}
	return nil
}

func runMaintenance(ctx context.Context, cfg *app.Config, stack *runtimeStack, log *zap.Logger) error {
	if !cfg.Maintenance.Enabled {
		log.Info("maintenance disabled; nothing to run")
		return nil
	}
	if err := stack.Cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	log.Info("maintenance jobs scheduled",
		zap.String("orphan_schedule", cfg.Maintenance.OrphanSchedule),
		zap.String("expiry_notice_schedule", cfg.Maintenance.ExpiryNoticeSchedule))

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
