package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/ezns/pkg/config"
	"github.com/easzlab/ezns/pkg/netx"
	"github.com/easzlab/ezns/pkg/preflight"
	"github.com/easzlab/ezns/pkg/session"
	"github.com/easzlab/ezns/pkg/sysctl"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
	sourceIP   string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezns [flags] [-- program [args...]]",
		Short: "ezns - run a session in an isolated network namespace",
		Long: "Run an interactive session whose traffic egresses through an isolated\n" +
			"network namespace, either masquerading via the host's default interface\n" +
			"or spoofing a chosen source address. All host-state changes are undone\n" +
			"when the session ends.",
		Args:         cobra.ArbitraryArgs,
		RunE:         runSession,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
	rootCmd.Flags().StringVarP(&sourceIP, "source-ip", "s", "", "source address to egress as (default: masquerade via the default interface)")

	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezns version %s\n", version)
		},
	}
}

// runSession performs one full session lifecycle: preflight, setup,
// interactive session, teardown.
func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, zap.NewNop())
	if err != nil {
		return err
	}

	cfg.Session.SourceIP = sourceIP
	if len(args) > 0 {
		cfg.Session.Program = args[0]
		cfg.Session.Args = args[1:]
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger := newLogger(cfg.Global.LogLevel)
	defer logger.Sync()

	logger.Info("starting ezns",
		zap.String("version", version),
		zap.String("namespace", cfg.Session.Namespace),
	)
	if cfg.Session.SourceIP != "" {
		logger.Info("sending traffic out as spoofed source", zap.String("source_ip", cfg.Session.SourceIP))
	} else {
		logger.Info("sending traffic using the host address")
	}

	netHandle, err := netx.NewHandle()
	if err != nil {
		logger.Error("failed to create netlink handle", zap.Error(err))
		return err
	}
	sys := sysctl.New()

	guard := preflight.NewGuard(netHandle, sys, logger.Named("preflight"))
	if err := guard.RequireRoot(); err != nil {
		return err
	}
	if err := guard.RequireNoNamespace(cfg.Session.Namespace); err != nil {
		return err
	}
	snapshot, err := guard.Snapshot()
	if err != nil {
		return err
	}

	manager, err := session.NewManager(cfg, snapshot, netHandle, logger.Named("session"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signals during the session are forwarded to it; before the session
	// starts they abort setup. Either way teardown runs before exit.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	go func() {
		for sig := range signalChan {
			logger.Info("received signal", zap.String("signal", sig.String()))
			if !manager.Signal(sig) {
				cancel()
			}
		}
	}()

	return manager.Run(ctx)
}

// newLogger creates a production zap logger with console encoding for readability.
func newLogger(level string) *zap.Logger {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            atomicLevel,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
