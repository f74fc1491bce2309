package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/lorelai/podlink/internal/config"
	"github.com/lorelai/podlink/pkg/ledger"
	"github.com/lorelai/podlink/pkg/runpod"
)

var (
	cfgFile string
	envFile string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "podlink",
	Short: "Rent a RunPod GPU pod and tunnel its services to this machine",
	Long: `podlink picks the cheapest RunPod GPU that meets your VRAM and price
limits, starts a pod on it, forwards the pod's service ports to this machine
over SSH, and tears everything down when you press Ctrl+C.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.podlink.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "KEY=VALUE settings file (default is ./.env)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for API operations")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlag(klogFlags.Lookup("v"))

	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	// Add subcommands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(gpusCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".podlink")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	path, required := envFile, true
	if path == "" {
		path, required = config.DefaultEnvFile, false
	}
	cobra.CheckErr(config.MergeEnvFile(viper.GetViper(), path, required))
}

// bindFlags binds command flags to settings keys. Several commands share
// flag names, so binding happens when the command runs.
func bindFlags(flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

// loadSettings resolves and validates settings
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return settings, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// commandContext is a signal context bounded by --timeout
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signalContext()
	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	return ctx, func() {
		cancel()
		stop()
	}
}

func newAPIClient(s *config.Settings) *runpod.Client {
	return runpod.NewClient(s.APIKey)
}

// openLedger connects to the session ledger when one is configured. A ledger
// that cannot be reached is reported and skipped unless required is set.
func openLedger(ctx context.Context, s *config.Settings, required bool) (*ledger.Ledger, error) {
	if s.RedisAddr == "" {
		if required {
			return nil, fmt.Errorf("no session ledger configured, set REDIS_ADDR")
		}
		return nil, nil
	}

	l := ledger.Open(s.RedisAddr, s.RedisDB, s.RedisPassword)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.Ping(pingCtx); err != nil {
		_ = l.Close()
		if required {
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", s.RedisAddr, err)
		}
		warnf("Warning: session ledger unavailable (%v), continuing without it\n", err)
		return nil, nil
	}
	return l, nil
}
