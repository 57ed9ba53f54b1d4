// Command mailguard validates inbound mail authentication, checks sender
// addresses against DNS block lists and produces DMARC aggregate reports.
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

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/synqronlabs/mailguard/config"
)

const usage = `usage: mailguard [-config file] <command> [arguments]

commands:
  validate     validate a message file: -file msg.eml -ip 192.0.2.1 [-mailfrom addr]
  check-ip     check IPv4 addresses against the DNS block lists
  lists        show block lists: [-enable host] [-disable host]
  report       generate a DMARC report: -domain d [-begin t -end t] [-send]
  send-report  send a generated report by ID
  serve        run the report scheduler and the metrics endpoint
`

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"validate":    runValidate,
	"check-ip":    runCheckIP,
	"lists":       runLists,
	"report":      runReport,
	"send-report": runSendReport,
	"serve":       runServe,
}

func init() {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found. Falling back to system environment variables.")
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := flag.NewFlagSet("mailguard", flag.ContinueOnError)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configPath := flags.String("config", "", "configuration file (default $MAILGUARD_CONFIG or mailguard.json)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}
	cmd, ok := commands[flags.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "mailguard: unknown command %q\n\n", flags.Arg(0))
		flags.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("Loading configuration", "error", err)
		return 1
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("starting mailguard", "error", err)
		return 1
	}
	defer a.Close()

	if err := cmd(ctx, a, flags.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		logger.Error(flags.Arg(0)+" failed", "error", err)
		return 1
	}
	return 0
}

// newLogger installs charmbracelet/log as the slog handler.
func newLogger(level string) *slog.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           lvl,
	})
	return slog.New(handler)
}
