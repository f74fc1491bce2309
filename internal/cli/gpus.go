package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lorelai/podlink/internal/config"
	"github.com/lorelai/podlink/internal/orchestrator"
	"github.com/lorelai/podlink/pkg/gpuselect"
)

// defaultListLimit is how many GPU offers the gpus and deploy tables show
const defaultListLimit = 10

var (
	gpusSpot  bool
	gpusCloud string
	gpusLimit int
)

var gpusCmd = &cobra.Command{
	Use:   "gpus",
	Short: "List GPUs matching the VRAM and price limits",
	Long: `Fetch the RunPod GPU catalog and show the offers a deployment with the
same settings would try, cheapest first.`,
	Example: `  # GPUs a default deploy would consider
  podlink gpus

  # Spot offers with at least 48GB
  podlink gpus --spot --min-vram 48`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), map[string]string{
			config.KeyMinVRAMGB:      "min-vram",
			config.KeyMaxCostPerHour: "max-cost",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		cloud, err := parseCloud(gpusCloud)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		offers, err := newAPIClient(settings).GPUOffers(ctx)
		if err != nil {
			return err
		}

		policy := orchestrator.SpotPolicy{ClampAbove: settings.SpotClampAbove, MaxCostPerHour: settings.SpotMaxCostPerHour}
		cloud, maxCost := policy.Apply(cloud, gpusSpot, settings.MaxCostPerHour)
		c := gpuselect.Constraints{
			MinVRAMGB:      settings.MinVRAMGB,
			MaxCostPerHour: maxCost,
			Cloud:          cloud,
			Spot:           gpusSpot,
		}

		rows := gpuselect.Table(offers, c, gpusLimit)
		if len(rows) == 0 {
			_, err := gpuselect.Candidates(offers, c)
			warnf("%v\n", err)
			return nil
		}

		fmt.Printf("Available GPUs (%d of %d catalog entries shown):\n\n", len(rows), len(offers))
		renderTable(os.Stdout, []string{"GPU", "VRAM", "Price/hr", "Cloud"}, rows)
		return nil
	},
}

func init() {
	gpusCmd.Flags().BoolVar(&gpusSpot, "spot", false, "Show spot prices")
	gpusCmd.Flags().StringVar(&gpusCloud, "cloud", "", "Cloud tier: secure or community")
	gpusCmd.Flags().IntVar(&gpusLimit, "limit", defaultListLimit, "Maximum number of GPUs to show")
	gpusCmd.Flags().Int("min-vram", config.DefaultMinVRAMGB, "Minimum GPU memory in GB")
	gpusCmd.Flags().Float64("max-cost", config.DefaultMaxCostPerHour, "Maximum price in USD per hour")
}
