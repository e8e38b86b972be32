// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pydantic/logfire-sub001/lib/config"
	"github.com/pydantic/logfire-sub001/lib/exporter"
	"github.com/pydantic/logfire-sub001/lib/process"
	"github.com/pydantic/logfire-sub001/lib/version"
)

const usage = `usage: logfire-spool <command> [flags]

commands:
  status   summarize the entries in a spool directory
  flush    deliver every spooled payload, then exit

Run "logfire-spool <command> --help" for the command's flags.
`

// exitError carries a process exit status through process.Fatal.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return &exitError{code: 2, err: errors.New("no command given")}
	}

	switch args[0] {
	case "--version", "version":
		fmt.Fprintf(stdout, "logfire-spool %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "flush":
		return runFlush(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprint(stderr, usage)
		return &exitError{code: 2, err: fmt.Errorf("unknown command %q", args[0])}
	}
}

func parseFlags(flagSet *pflag.FlagSet, args []string) (bool, error) {
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, &exitError{code: 2, err: err}
	}
	if flagSet.NArg() > 0 {
		return false, &exitError{code: 2, err: fmt.Errorf("unexpected arguments: %v", flagSet.Args())}
	}
	return true, nil
}

func runStatus(args []string, stdout, stderr io.Writer) error {
	var spoolDir string
	flagSet := pflag.NewFlagSet("logfire-spool status", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&spoolDir, "spool-dir", "", "spool directory to inspect (required)")
	if proceed, err := parseFlags(flagSet, args); !proceed {
		return err
	}
	if spoolDir == "" {
		return &exitError{code: 2, err: errors.New("--spool-dir is required")}
	}

	stats, err := exporter.Inspect(spoolDir)
	if err != nil {
		return err
	}
	printStats(stdout, spoolDir, stats, time.Now())
	return nil
}

func printStats(w io.Writer, dir string, stats exporter.SpoolStats, now time.Time) {
	fmt.Fprintf(w, "spool:   %s\n", dir)
	fmt.Fprintf(w, "entries: %d\n", stats.Entries)
	fmt.Fprintf(w, "bytes:   %d (%d on disk)\n", stats.Bytes, stats.StoredBytes)
	if stats.Entries > 0 {
		fmt.Fprintf(w, "oldest:  %s ago\n", now.Sub(stats.Oldest).Round(time.Second))
	}
	owner := "none"
	if stats.Locked {
		owner = "held by a running process"
	}
	fmt.Fprintf(w, "owner:   %s\n", owner)
}

func runFlush(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		spoolDir   string
		configPath string
		timeout    time.Duration
	)
	flagSet := pflag.NewFlagSet("logfire-spool flush", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&spoolDir, "spool-dir", "", "spool directory to drain (required)")
	flagSet.StringVar(&configPath, "config", "", "configuration file (default: $LOGFIRE_CONFIG)")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	if proceed, err := parseFlags(flagSet, args); !proceed {
		return err
	}
	if spoolDir == "" {
		return &exitError{code: 2, err: errors.New("--spool-dir is required")}
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg.Retry.SpoolDir = spoolDir
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(stderr).With("spool", spoolDir)

	sender, err := exporter.NewHTTPSender(exporter.HTTPSenderOptions{
		BaseURL: cfg.Export.BaseURL,
		Path:    cfg.Export.TracesPath,
		Token:   cfg.Export.Token,
		Timeout: cfg.Export.Timeout,
		Gzip:    cfg.Export.Gzip,
	})
	if err != nil {
		return err
	}
	compression, err := exporter.ParseCompressionTag(cfg.Retry.Compression)
	if err != nil {
		return err
	}

	retrying, err := exporter.New(exporter.Options{
		Sender:          sender,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		JitterFraction:  cfg.Retry.Jitter,
		LogInterval:     cfg.Retry.LogInterval,
		Spool: exporter.SpoolOptions{
			Dir:         spoolDir,
			MaxBytes:    cfg.Retry.MaxBytes,
			Compression: compression,
		},
		Logger: logger,
	})
	if errors.Is(err, exporter.ErrSpoolLocked) {
		return fmt.Errorf("%s is owned by a running exporter; stop it or let it drain the spool: %w", spoolDir, err)
	}
	if err != nil {
		return err
	}

	before := retrying.Spool().Len()
	logger.Info("flushing spool", "entries", before, "bytes", retrying.Spool().Bytes(), "url", sender.URL())

	flushCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	drained := retrying.ForceFlush(flushCtx)

	remaining := retrying.Spool().Len()
	remainingBytes := retrying.Spool().Bytes()
	if err := retrying.Shutdown(context.Background()); err != nil {
		logger.Warn("closing spool", "error", err)
	}

	fmt.Fprintf(stdout, "delivered %d payload(s), %d remaining (%d bytes)\n", before-remaining, remaining, remainingBytes)
	if !drained {
		return &exitError{code: 1, err: fmt.Errorf("%d payload(s) still spooled after %s", remaining, timeout)}
	}
	return nil
}
