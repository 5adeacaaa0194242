package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/huksley/gotdiff/pkg/config"
	"github.com/huksley/gotdiff/pkg/logging"
	"github.com/huksley/gotdiff/pkg/microservice"
	"github.com/huksley/gotdiff/pkg/resolver"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	subcommand := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcommand, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch subcommand {
	case "serve":
		err = runServe(ctx, args)
	case "query":
		err = runQuery(ctx, args)
	case "warm":
		err = runWarm(ctx, args)
	case "tree":
		err = runTree(ctx, args)
	case "help", "-h", "--help":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", subcommand)
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, "Usage: %s <subcommand> [flags] [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Compare the latest two versions of an npm package.\n\n")
	fmt.Fprintf(os.Stderr, "Subcommands:\n")
	fmt.Fprintf(os.Stderr, "  serve                 Run the HTTP server (default)\n")
	fmt.Fprintf(os.Stderr, "  query <name>          Print the comparison document of a package\n")
	fmt.Fprintf(os.Stderr, "  warm <names...>       Populate the caches for many packages\n")
	fmt.Fprintf(os.Stderr, "  tree <name>@<version> Install a package and print its lockfile\n")
	fmt.Fprintf(os.Stderr, "\nAll settings are read from environment variables (HTTP_PORT, REDIS_URL,\n")
	fmt.Fprintf(os.Stderr, "CACHE_BACKEND, BUCKET_NAME, GITHUB_TOKEN, RESOLVER_COMMAND, ...) or from the\n")
	fmt.Fprintf(os.Stderr, "file given with -config (env: GOTDIFF_CONFIG).\n")
}

// parseFlags parses the flags shared by every subcommand and loads the config.
func parseFlags(name string, args []string) (*config.Config, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("GOTDIFF_CONFIG"), "Config file (env: GOTDIFF_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fs, nil
}

// stderrLogger is used by the commands whose stdout is data.
func stderrLogger(cfg *config.Config) zerolog.Logger {
	level, err := logging.Level(cfg.Log)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logging.NewWithWriter(os.Stderr, cfg.Log.Format, level)
}

func runServe(ctx context.Context, args []string) error {
	cfg, _, err := parseFlags("serve", args)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start.")
		return err
	}
	defer a.Close()

	server := microservice.NewPackageServer(logger, cfg.HTTPPort, cfg.StaticDir, a.orchestrator)
	return server.Run(ctx, shutdownTimeout)
}

func runQuery(ctx context.Context, args []string) error {
	cfg, fs, err := parseFlags("query", args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s query <name>", os.Args[0])
	}
	logger := stderrLogger(cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.orchestrator.Query(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return writeIndented(os.Stdout, resp)
}

func runWarm(ctx context.Context, args []string) error {
	cfg, fs, err := parseFlags("warm", args)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: %s warm <names...>", os.Args[0])
	}
	logger := stderrLogger(cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if err := a.orchestrator.Warm(ctx, fs.Args(), cfg.WarmConcurrency); err != nil {
		return err
	}
	logger.Info().Int("packages", fs.NArg()).Dur("latency", time.Since(start)).Msg("Caches warmed.")
	return nil
}

func runTree(ctx context.Context, args []string) error {
	cfg, fs, err := parseFlags("tree", args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: %s tree <name>@<version>", os.Args[0])
	}

	lock, err := resolver.InstallTree(ctx, fs.Arg(0), resolver.InstallOptions{
		Timeout:   cfg.Resolver.Timeout,
		MaxOutput: int(cfg.Resolver.MaxOutput),
	}, stderrLogger(cfg))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(lock)
	return err
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
