package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check settings and the RunPod API key",
	Long: `Resolve settings from the config file, .env and the environment, check
them, and make one authenticated API call. The session ledger is pinged when
REDIS_ADDR is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		fmt.Printf("API key:        %s\n", settings.MaskedAPIKey())
		fmt.Printf("Min VRAM:       %dGB\n", settings.MinVRAMGB)
		fmt.Printf("Max cost:       %s (spot: %s above %s)\n", formatCost(settings.MaxCostPerHour),
			formatCost(settings.SpotMaxCostPerHour), formatCost(settings.SpotClampAbove))
		fmt.Printf("Image:          %s\n", settings.DockerImage)
		fmt.Printf("Container disk: %dGB\n", settings.ContainerDiskGB)
		fmt.Printf("Ready timeout:  %s (poll every %s)\n", settings.ReadyTimeout, settings.PollInterval)
		fmt.Println()

		ctx, cancel := commandContext()
		defer cancel()

		if err := newAPIClient(settings).ValidateAPIKey(ctx); err != nil {
			return err
		}
		successf("✓ API key is valid\n")

		if settings.RedisAddr != "" {
			sessions, err := openLedger(ctx, settings, true)
			if err != nil {
				return err
			}
			defer sessions.Close()
			successf("✓ Session ledger reachable at %s\n", settings.RedisAddr)
		}
		return nil
	},
}
