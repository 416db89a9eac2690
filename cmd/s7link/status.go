package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"s7link/api"
	"s7link/config"
	"s7link/engine"
	"s7link/logging"
)

type statusFlags struct {
	configPath *string
	listen     string
	logFile    string
	logDebug   string
}

func newStatusCmd(configPath *string) *cobra.Command {
	flags := &statusFlags{configPath: configPath}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Start the reporters and serve the status API",
		Long: `Load the configuration, connect the configured reporters and serve the
status API until interrupted. No transport is attached; the API still
decodes frames and manages reporters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(flags)
		},
	}

	cmd.Flags().StringVar(&flags.listen, "listen", "", "Status API listen address (overrides config)")
	cmd.Flags().StringVar(&flags.logFile, "log", "", "Path to log file (overrides config)")
	cmd.Flags().StringVar(&flags.logDebug, "log-debug", "", "Protocol debug filter, e.g. s7,cotp or all (overrides config)")

	return cmd
}

func runStatus(flags *statusFlags) error {
	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.listen != "" {
		cfg.Status.Listen = flags.listen
	}
	if flags.logFile != "" {
		cfg.Log.File = flags.logFile
	}
	if flags.logDebug != "" {
		cfg.Log.Debug = flags.logDebug
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	closeLogs, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLogs()
	log := logging.Logger()

	e, err := engine.New(engine.Config{AppConfig: cfg, ConfigPath: *flags.configPath})
	if err != nil {
		return err
	}
	e.Start()
	defer e.Stop()

	server := api.NewServer(&cfg.Status, e)
	if cfg.Status.Enabled {
		if err := server.Start(); err != nil {
			return fmt.Errorf("start status API: %w", err)
		}
		defer server.Stop()
		fmt.Printf("Status API listening on %s\n", server.Address())
	} else {
		log.Warn().Msg("status API disabled in config")
	}

	fmt.Println("Press Ctrl+C to stop.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	return nil
}

// setupLogging installs the process logger and the protocol debug log
// described by cfg. The returned function closes any opened files.
func setupLogging(cfg config.LogConfig) (func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	var (
		logger zerolog.Logger
		err    error
	)
	if cfg.File != "" {
		fl, ferr := logging.NewFileLogger(cfg.File, cfg.Level)
		if ferr != nil {
			return closeAll, fmt.Errorf("open log file: %w", ferr)
		}
		closers = append(closers, fl)
		logger = fl.Logger()
	} else {
		logger, err = logging.Console(cfg.Level)
		if err != nil {
			return closeAll, err
		}
	}
	logging.SetLogger(logger)

	if cfg.Debug != "" {
		path := cfg.DebugFile
		if path == "" {
			path = "debug.log"
		}
		dl, derr := logging.NewDebugLogger(path)
		if derr != nil {
			closeAll()
			return func() {}, fmt.Errorf("open debug log: %w", derr)
		}
		if cfg.Debug != "all" {
			dl.SetFilter(cfg.Debug)
		}
		logging.SetGlobalDebugLogger(dl)
		closers = append(closers, dl)
	}
	return closeAll, nil
}
