// procman is the headless CLI front-end to the Sheriff/ScriptManager
// control plane (spec.md §6). It loads a fleet config file, optionally
// runs a named script to completion, and otherwise sits watching the
// fleet until interrupted.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ashuang/procman/internal/config"
	"github.com/ashuang/procman/internal/deputy"
	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/script"
	"github.com/ashuang/procman/internal/sheriff"
	"github.com/ashuang/procman/internal/transport"
	"github.com/ashuang/procman/internal/transport/ws"
)

// Exit codes, per spec.md §6.
const (
	exitOK        = 0
	exitFailure   = 1
	exitArgsError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		localDeputy      bool
		observer         bool
		onScriptComplete string
		noGUI            bool
		listenAddr       string
	)

	root := &cobra.Command{
		Use:           "procman [config-file] [script-name]",
		Short:         "Sheriff/deputy process-management control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(2),
	}
	root.Flags().BoolVarP(&localDeputy, "local", "l", false, "spawn a deputy in-process instead of listening for remote ones")
	root.Flags().BoolVarP(&observer, "observer", "o", false, "start in observer mode")
	root.Flags().StringVar(&onScriptComplete, "on-script-complete", "exit", `what to do once the script finishes: "exit" or "observe"`)
	root.Flags().BoolVarP(&noGUI, "no-gui", "n", false, "headless mode (always true for this front-end; kept for flag compatibility)")
	root.Flags().StringVar(&listenAddr, "listen", ":7700", "WebSocket listen address when not using -l")

	exitCode := exitOK
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if onScriptComplete != "exit" && onScriptComplete != "observe" {
			exitCode = exitArgsError
			return fmt.Errorf("--on-script-complete must be %q or %q", "exit", "observe")
		}

		var configFile, scriptName string
		if len(args) > 0 {
			configFile = args[0]
		}
		if len(args) > 1 {
			scriptName = args[1]
		}

		code, err := runFleet(fleetOptions{
			configFile:       configFile,
			scriptName:       scriptName,
			local:            localDeputy,
			observer:         observer,
			onScriptComplete: onScriptComplete,
			listenAddr:       listenAddr,
		})
		exitCode = code
		return err
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "procman:", err)
		if exitCode == exitOK {
			exitCode = exitArgsError
		}
	}
	return exitCode
}

type fleetOptions struct {
	configFile       string
	scriptName       string
	local            bool
	observer         bool
	onScriptComplete string
	listenAddr       string
}

func runFleet(opts fleetOptions) (int, error) {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	bus, closeBus, err := buildBus(opts, log)
	if err != nil {
		return exitFailure, err
	}
	defer closeBus()

	sh := sheriff.New(bus, log)
	defer sh.Shutdown()
	sm := script.New(sh, log)
	defer sm.Shutdown()

	if opts.observer {
		sh.SetObserver(true)
	}

	var dep *deputy.Deputy
	if opts.local {
		dep = deputy.New(model.DeputyID("local"), bus, log)
		defer dep.Shutdown()
	}

	if opts.configFile != "" {
		tree, err := config.Load(opts.configFile)
		if err != nil {
			return exitArgsError, err
		}
		if err := config.LoadIntoFleet(sh, sm, tree); err != nil {
			return exitFailure, err
		}
		log.Info().Str("file", opts.configFile).
			Int("commands", len(tree.Commands)).Int("scripts", len(tree.Scripts)).
			Msg("loaded fleet config")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if opts.scriptName != "" {
		if errs := sm.CheckScriptForErrors(opts.scriptName); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintln(os.Stderr, "script error:", e)
			}
			return exitArgsError, nil
		}

		done := make(chan struct{})
		var finishOnce sync.Once
		sm.AddListener(script.ListenerFunc(func(ev script.Event) {
			if ev.Kind == script.EventScriptFinished {
				finishOnce.Do(func() { close(done) })
			}
		}))

		if err := sm.StartScript(opts.scriptName); err != nil {
			return exitFailure, err
		}

		select {
		case <-done:
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("interrupted")
			sm.AbortScript()
			return exitOK, nil
		}

		if opts.onScriptComplete == "exit" {
			return exitOK, nil
		}
		sh.SetObserver(true)
	}

	log.Info().Msg("watching fleet, press ctrl-c to exit")
	return watchUntilSignal(sh, sigCh, log), nil
}

func buildBus(opts fleetOptions, log zerolog.Logger) (transport.Bus, func(), error) {
	if opts.local {
		bus := transport.NewInProc()
		return bus, func() { bus.Close() }, nil
	}

	serverBus := ws.NewServerBus(log)
	server := &http.Server{Addr: opts.listenAddr, Handler: serverBus.Handler()}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("websocket server stopped")
		}
	}()
	log.Info().Str("addr", opts.listenAddr).Msg("listening for deputies")

	return serverBus, func() {
		serverBus.Close()
		_ = server.Close()
	}, nil
}

func watchUntilSignal(sh *sheriff.Sheriff, sigCh <-chan os.Signal, log zerolog.Logger) int {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			printStatusTable(sh)
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			return exitOK
		}
	}
}
