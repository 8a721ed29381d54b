package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/config"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scriptpool/internal/supervisor"
)

var (
	flagFunction string
	flagMin      int
	flagMax      int
	flagDebug    bool
	flagPreload  string
	flagStatus   bool
	flagConfig   string
	flagAdmin    string
)

func main() {
	runCmd.Flags().StringVarP(&flagFunction, "function", "f", supervisor.DefaultFunctionName, "exported function to call")
	runCmd.Flags().IntVar(&flagMin, "min", 0, "sandboxes created eagerly")
	runCmd.Flags().IntVar(&flagMax, "max", 1, "maximum concurrent sandboxes")
	runCmd.Flags().BoolVar(&flagDebug, "debug", false, "verbose pool-process logging")
	runCmd.Flags().StringVar(&flagPreload, "preload", "", "module required in every sandbox before any run")
	runCmd.Flags().BoolVar(&flagStatus, "status", false, "print status updates to stderr")
	runCmd.Flags().StringVar(&flagAdmin, "admin", "", "serve pool metrics on this address while running")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML or TOML file with pool settings; flags take precedence")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "scriptpool:", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "scriptpool",
	Short:         "Run script functions in pooled sandboxes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run <pathname> [args...]",
	Short: "call a function exported by a script and print its result as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var poolCmd = &cobra.Command{
	Use:    supervisor.PoolCommand,
	Short:  "internal command",
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return supervisor.ServePoolProcess(cmd.Context(), os.Stdin, os.Stdout)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scriptpool: version info not available")
			return
		}
		fmt.Printf("scriptpool: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			}
		}
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	pathname, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	poolCfg, err := poolConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewNop()
	if poolCfg.DebugMode {
		logger = logging.NewDevelopment()
		defer func() { _ = logger.Sync() }()
	}

	s, err := supervisor.New(supervisor.Options{
		MinConcurrency:  poolCfg.MinConcurrency,
		MaxConcurrency:  poolCfg.MaxConcurrency,
		DebugMode:       poolCfg.DebugMode,
		PreloadRequire:  poolCfg.PreloadRequire,
		AcquireInterval: poolCfg.AcquireInterval,
		AdminAddr:       flagAdmin,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = s.Kill(nil) }()

	req := supervisor.Request{
		Pathname:     pathname,
		FunctionName: flagFunction,
		Args:         parseArgs(args[1:]),
	}
	if flagStatus {
		req.StatusCallback = func(status any) {
			out, err := sonic.Marshal(status)
			if err != nil {
				logger.Warn("Unprintable status", zap.Error(err))
				return
			}
			fmt.Fprintf(os.Stderr, "status: %s\n", out)
		}
	}

	result, err := s.RunScript(ctx, req)
	if err != nil {
		return err
	}
	out, err := sonic.ConfigStd.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// poolConfig starts from the defaults, overlays --config, then any flag the
// user set explicitly.
func poolConfig(cmd *cobra.Command) (config.PoolConfig, error) {
	cfg := config.Default().Pool
	if flagConfig != "" {
		if err := config.LoadFile(flagConfig, &cfg); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("min") {
		cfg.MinConcurrency = flagMin
	}
	if flags.Changed("max") {
		cfg.MaxConcurrency = flagMax
	}
	if flags.Changed("debug") {
		cfg.DebugMode = flagDebug
	}
	if flags.Changed("preload") {
		cfg.PreloadRequire = flagPreload
	}
	if cfg.PreloadRequire != "" {
		p, err := filepath.Abs(cfg.PreloadRequire)
		if err != nil {
			return cfg, err
		}
		cfg.PreloadRequire = p
	}
	return cfg, nil
}

// parseArgs decodes each argument as JSON, keeping it as a string otherwise.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, a := range raw {
		var v any
		if err := sonic.UnmarshalString(a, &v); err != nil {
			v = a
		}
		args = append(args, v)
	}
	return args
}
