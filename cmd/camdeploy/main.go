// Package main is the entry point for the camhub deployment tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/camhub/camdeploy/internal/credentials"
	"github.com/camhub/camdeploy/internal/deploy"
	"github.com/camhub/camdeploy/internal/history"
	"github.com/camhub/camdeploy/internal/probe"
	"github.com/camhub/camdeploy/internal/prompt"
	"github.com/camhub/camdeploy/internal/report"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	action, args, err := resolveAction(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		usage()
		os.Exit(2)
	}

	switch action {
	case "version":
		fmt.Printf("camdeploy %s\n", version)
		return
	case "help":
		usage()
		return
	case "history":
		runHistory(args)
		return
	}

	os.Exit(run(action, args))
}

// resolveAction maps the leading argument to an action. A leading flag means
// the default action; anything else unrecognized is an error, not a silent
// install.
func resolveAction(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "install", nil, nil
	}
	switch args[0] {
	case "install", "update", "uninstall", "repair", "refresh-unit", "history":
		return args[0], args[1:], nil
	case "version", "--version", "-v":
		return "version", nil, nil
	case "help", "--help", "-h":
		return "help", nil, nil
	}
	if strings.HasPrefix(args[0], "-") {
		return "install", args, nil
	}
	return "", nil, fmt.Errorf("unknown action %q", args[0])
}

func usage() {
	fmt.Println(`usage: camdeploy [action] [flags]

actions:
  install       provision a fresh installation (default)
  update        refresh the deployed tree on its branch
  uninstall     remove the installation
  repair        check and fix host drift
  refresh-unit  regenerate the systemd unit from the current template
  history       list past deployment operations
  version       print the tool version

run "camdeploy <action> -h" for the action's flags`)
}

func run(action string, args []string) int {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	branch := fs.String("branch", "", "Branch to deploy (interactive selection when empty)")
	root := fs.String("root", "", "Installation root (default /opt/camhub)")
	yes := fs.Bool("yes", false, "Assume yes on confirmations (non-interactive)")
	force := fs.Bool("force", false, "Proceed even when already up to date / current")
	skipActivation := fs.Bool("skip-activation", false, "Skip the device activation exchange")
	deviceKey := fs.String("device-key", "", "Device key for activation")
	tokenCode := fs.String("token-code", "", "Token code for activation")
	dataDir := fs.String("data-dir", credentials.DefaultDataDir, "Data directory for credentials and history")
	defaultsPath := fs.String("defaults", deploy.DefaultsPath, "Defaults file path")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "text", "Log format (text, json)")
	fs.Parse(args)

	defaults, err := deploy.LoadDefaults(*defaultsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *logLevel == "info" && defaults.LogLevel != "" {
		*logLevel = defaults.LogLevel
	}
	if *logFormat == "text" && defaults.LogFormat != "" {
		*logFormat = defaults.LogFormat
	}
	logger := setupLogger(*logLevel, *logFormat)
	rep := report.New(os.Stdout)

	assumeYes := *yes || defaults.AssumeYes
	var prompter prompt.Source
	if assumeYes {
		prompter = &prompt.Policy{Yes: true}
	} else {
		prompter = prompt.NewTerminal()
	}

	cfg, err := deploy.NewContext(defaults, logger, rep, prompter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *branch != "" {
		cfg.Branch = *branch
	}
	if *root != "" {
		cfg.Root = *root
	}
	cfg.AssumeYes = assumeYes
	cfg.Force = *force
	cfg.SkipActivation = cfg.SkipActivation || *skipActivation
	cfg.DeviceKey = *deviceKey
	cfg.TokenCode = *tokenCode
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	journal, err := history.Open(cfg.DataDir)
	if err != nil {
		logger.Warn("could not open history journal", "error", err)
	} else {
		defer journal.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	d := deploy.New(cfg, journal)

	switch action {
	case "install":
		err = d.Install(ctx)
	case "update":
		err = d.Update(ctx)
	case "uninstall":
		err = d.Uninstall(ctx)
	case "repair":
		err = d.Repair(ctx)
	case "refresh-unit":
		err = d.RefreshUnit(ctx)
	}

	if err != nil {
		if errors.Is(err, deploy.ErrAborted) || errors.Is(err, probe.ErrAborted) {
			rep.Info("aborted")
			return 0
		}
		rep.Error("%v", err)
		return 1
	}
	return 0
}

// runHistory lists past deployment operations.
func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dataDir := fs.String("data-dir", credentials.DefaultDataDir, "Data directory for credentials and history")
	limit := fs.Int("limit", 20, "Number of events to show")
	fs.Parse(args)

	journal, err := history.Open(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer journal.Close()

	events, err := journal.Recent(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tACTION\tBRANCH\tVERSION\tOUTCOME\tISSUES\tDETAIL")
	for _, ev := range events {
		issues := ""
		if ev.Action == "repair" {
			issues = fmt.Sprintf("%d/%d", ev.IssuesFixed, ev.IssuesFound)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.StartedAt.Local().Format("2006-01-02 15:04"),
			ev.Action, ev.Branch, ev.Version, ev.Outcome, issues, ev.Detail)
	}
	w.Flush()
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
