package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/hanpama/gqlmesh/internal/config"
	logging "github.com/hanpama/gqlmesh/internal/logging"
	schema "github.com/hanpama/gqlmesh/internal/schema"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const rootUsage = `gqlmesh — GraphQL gateway merging GraphQL and gRPC sources

USAGE:
  gqlmesh <command> [flags]

COMMANDS:
  serve            Run the HTTP GraphQL gateway
  print-schema     Build the mesh and print the merged SDL
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>    Configuration file (default: $CONFIG_PATH or gqlmesh.yaml)
  -addr <addr>      Override serve.addr
`

const printSchemaUsage = `print-schema FLAGS:
  -config <file>    Configuration file (default: $CONFIG_PATH or gqlmesh.yaml)
  -out <file>       Write the SDL to file (default: stdout)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}
	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(ctx, cmdArgs, stdout, stderr)
	case "print-schema":
		return cmdPrintSchema(ctx, cmdArgs, stdout, stderr)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "print-schema":
		fmt.Fprint(stdout, printSchemaUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

// loadConfig loads the file and builds the logger it configures, writing to
// logs.
func loadConfig(path string, logs io.Writer) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewZapLogger(zapcore.AddSync(logs), cfg.Log.Pretty, cfg.Log.Level == "debug", level).
		With(zap.String("component", "gqlmesh"))
	return cfg, logger, nil
}

func cmdServe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	configPath := ""
	addr := ""
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "Configuration file")
	fs.StringVar(&addr, "addr", addr, "HTTP listen address")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}

	cfg, logger, err := loadConfig(configPath, stdout)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if addr != "" {
		cfg.Serve.Addr = addr
	}

	g, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build mesh: %w", err)
	}
	defer g.close()

	srv := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("GraphQL server listening",
		zap.String("addr", cfg.Serve.Addr),
		zap.String("path", cfg.Serve.Path),
	)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cmdPrintSchema(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	configPath := ""
	outFile := ""
	fs := flag.NewFlagSet("print-schema", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "Configuration file")
	fs.StringVar(&outFile, "out", outFile, "Write the SDL to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, printSchemaUsage)
		return err
	}

	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	g, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build mesh: %w", err)
	}
	defer g.close()

	sdl := schema.Render(g.mesh.Schema())
	if outFile == "" {
		_, err := fmt.Fprint(stdout, sdl)
		return err
	}
	return os.WriteFile(outFile, []byte(sdl), 0o644)
}
