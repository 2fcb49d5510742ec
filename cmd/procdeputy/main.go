// procdeputy is a standalone deputy binary: it dials a Sheriff's
// WebSocket transport and spawns/monitors processes on its behalf, in
// the same role cmd/nixfleet-agent filled for the dashboard.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/config"
	"github.com/ashuang/procman/internal/deputy"
	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/transport/ws"
)

func main() {
	showHelp := flag.Bool("h", false, "show usage")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	cfg, err := config.LoadAgentConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "procdeputy:", err)
		printUsage()
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "procdeputy:", err)
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(level)

	bus := ws.NewClientBus(cfg.SheriffURL, log)
	go bus.Run()
	defer bus.Close()

	dep := deputy.New(model.DeputyID(cfg.DeputyID), bus, log)
	defer dep.Shutdown()

	log.Info().Str("sheriff", cfg.SheriffURL).Str("deputy", cfg.DeputyID).Msg("deputy started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "procdeputy: connects to a Sheriff and manages processes on its behalf")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "environment:")
	fmt.Fprintln(os.Stderr, "  PROCMAN_SHERIFF_URL          ws(s):// URL of the sheriff (required)")
	fmt.Fprintln(os.Stderr, "  PROCMAN_DEPUTY_ID            deputy identity (default: hostname)")
	fmt.Fprintln(os.Stderr, "  PROCMAN_HEARTBEAT_INTERVAL   whole seconds, at least 1; validated only, reports go out every second")
	fmt.Fprintln(os.Stderr, "  PROCMAN_LOG_LEVEL            debug|info|warn|error")
	flag.PrintDefaults()
}
