package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorelai/podlink/internal/config"
	"github.com/lorelai/podlink/internal/orchestrator"
	"github.com/lorelai/podlink/pkg/gpuselect"
	"github.com/lorelai/podlink/pkg/lifecycle"
	"github.com/lorelai/podlink/pkg/runpod"
	"github.com/lorelai/podlink/pkg/tunnel"
)

var (
	deploySpot       bool
	deployCloud      string
	deployNamePrefix string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a pod and tunnel its services until interrupted",
	Long: `Select the cheapest GPU matching the VRAM and price limits, create a pod
on it, wait until it is reachable, and forward its ports to this machine.
GPUs without capacity are skipped in price order. Press Ctrl+C to stop the
tunnels and terminate the pod.`,
	Example: `  # Deploy on the secure cloud with settings from .env
  podlink deploy

  # Deploy a spot instance on the community cloud
  podlink deploy --spot

  # Require 24GB of VRAM and cap the price
  podlink deploy --min-vram 24 --max-cost 0.6`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), map[string]string{
			config.KeyMinVRAMGB:       "min-vram",
			config.KeyMaxCostPerHour:  "max-cost",
			config.KeyDockerImage:     "image",
			config.KeyContainerDiskGB: "disk",
			config.KeyReadyTimeout:    "ready-timeout",
			config.KeyPollInterval:    "poll-interval",
			config.KeySSHKeyPath:      "ssh-key",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		cloud, err := parseCloud(deployCloud)
		if err != nil {
			return err
		}

		// Deployments run until interrupted, so --timeout does not apply
		ctx, stop := signalContext()
		defer stop()

		client := newAPIClient(settings)
		pods := lifecycle.NewManager(client)
		newTunnels := func(cfg tunnel.Config) orchestrator.Tunnels {
			return tunnel.NewManager(cfg, nil)
		}

		opts := []orchestrator.Option{
			orchestrator.WithOutput(os.Stdout),
			orchestrator.WithSpotPolicy(orchestrator.SpotPolicy{
				ClampAbove:     settings.SpotClampAbove,
				MaxCostPerHour: settings.SpotMaxCostPerHour,
			}),
		}
		sessions, err := openLedger(ctx, settings, false)
		if err != nil {
			return err
		}
		if sessions != nil {
			defer sessions.Close()
			opts = append(opts, orchestrator.WithRecorder(sessions))
		}

		orch := orchestrator.New(client, pods, newTunnels, opts...)

		return orch.Deploy(ctx, orchestrator.Request{
			MinVRAMGB:      settings.MinVRAMGB,
			MaxCostPerHour: settings.MaxCostPerHour,
			Cloud:          cloud,
			Spot:           deploySpot,
			Image:          settings.DockerImage,
			DiskGB:         settings.ContainerDiskGB,
			NamePrefix:     deployNamePrefix,
			ReadyTimeout:   settings.ReadyTimeout,
			PollInterval:   settings.PollInterval,
			SSHKeyPath:     settings.SSHKeyPath,
			SSHUser:        settings.SSHUser,
			OnCandidates:   printCandidates,
			OnReady:        printDeployment,
		})
	},
}

func printCandidates(candidates []gpuselect.Candidate, c gpuselect.Constraints) {
	tier := string(c.Cloud)
	if c.Spot {
		tier += " (spot)"
	}
	infof("\nGPUs with ≥%dGB VRAM under $%.2f/hr in %s cloud:\n\n", c.MinVRAMGB, c.MaxCostPerHour, tier)

	renderTable(os.Stdout, []string{"GPU", "VRAM", "Price"}, candidateRows(candidates, defaultListLimit))
	fmt.Println()
}

func candidateRows(candidates []gpuselect.Candidate, limit int) [][]string {
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	rows := make([][]string, 0, len(candidates))
	for _, cand := range candidates {
		rows = append(rows, []string{cand.DisplayName, fmt.Sprintf("%dGB", cand.MemoryGB), formatCost(cand.CostPerHour)})
	}
	return rows
}

func printDeployment(d *orchestrator.Deployment) {
	successf("\n✓ Tunnels to %s are up on %s\n\n", d.Ready.PublicIP, d.BindAddr)
	renderTable(os.Stdout, []string{"Service", "Local Address", "Remote Endpoint (Pod)", "Access URL"}, d.Connections)
	fmt.Println()
	fmt.Printf("GPU: %s @ %s\n", d.Candidate.DisplayName, formatCost(d.Candidate.CostPerHour))
	dimf("Press Ctrl+C to stop tunnels and terminate the pod\n")
}

// parseCloud accepts secure or community in any case; empty means the
// default for the pricing mode
func parseCloud(s string) (runpod.CloudType, error) {
	switch runpod.CloudType(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case runpod.CloudSecure:
		return runpod.CloudSecure, nil
	case runpod.CloudCommunity:
		return runpod.CloudCommunity, nil
	default:
		return "", fmt.Errorf("invalid --cloud %q: must be secure or community", s)
	}
}

func init() {
	deployCmd.Flags().BoolVar(&deploySpot, "spot", false, "Use interruptible spot pricing (defaults to the community cloud)")
	deployCmd.Flags().StringVar(&deployCloud, "cloud", "", "Cloud tier: secure or community (default secure, community with --spot)")
	deployCmd.Flags().StringVar(&deployNamePrefix, "name-prefix", "kokoro-pod", "Pod name prefix; a timestamp is appended")
	deployCmd.Flags().Int("min-vram", config.DefaultMinVRAMGB, "Minimum GPU memory in GB")
	deployCmd.Flags().Float64("max-cost", config.DefaultMaxCostPerHour, "Maximum price in USD per hour")
	deployCmd.Flags().String("image", config.DefaultDockerImage, "Container image to run")
	deployCmd.Flags().Int("disk", config.DefaultContainerDiskGB, "Container disk size in GB")
	deployCmd.Flags().Duration("ready-timeout", config.DefaultReadyTimeout, "How long to wait for the pod to become reachable")
	deployCmd.Flags().Duration("poll-interval", config.DefaultPollInterval, "Pod status poll interval")
	deployCmd.Flags().String("ssh-key", "", "SSH private key (default: first of ~/.ssh/id_ed25519, id_rsa, id_ecdsa)")
}
