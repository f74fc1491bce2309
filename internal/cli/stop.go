package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorelai/podlink/pkg/ledger"
	"github.com/lorelai/podlink/pkg/lifecycle"
)

var stopPodID string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminate running pods",
	Long: `Terminate every running pod on the account, or a single pod with --pod.
Use this to clean up after a deploy that could not release its pod.`,
	Example: `  # Terminate every running pod
  podlink stop

  # Terminate one pod
  podlink stop --pod abc123xyz`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		pods := lifecycle.NewManager(newAPIClient(settings))
		sessions, err := openLedger(ctx, settings, false)
		if err != nil {
			return err
		}
		if sessions != nil {
			defer sessions.Close()
		}

		if stopPodID != "" {
			return stopPod(ctx, pods, sessions, stopPodID)
		}
		return stopAll(ctx, pods, sessions)
	},
}

func stopPod(ctx context.Context, pods *lifecycle.Manager, sessions *ledger.Ledger, podID string) error {
	fmt.Printf("Terminating pod %s...\n", podID)
	if !pods.Terminate(ctx, podID) {
		return fmt.Errorf("failed to terminate pod %s", podID)
	}
	forgetSession(ctx, sessions, podID)
	successf("✓ Pod %s terminated\n", podID)
	return nil
}

func stopAll(ctx context.Context, pods *lifecycle.Manager, sessions *ledger.Ledger) error {
	fmt.Println("Looking for running pods...")

	running, err := pods.ListRunning(ctx)
	if err != nil {
		return err
	}

	if len(running) == 0 {
		fmt.Println("No running pods found")
		return nil
	}

	for _, pod := range running {
		fmt.Printf("  - %s (%s)\n", pod.ID, pod.Name)
	}

	terminated := 0
	for _, pod := range running {
		if !pods.Terminate(ctx, pod.ID) {
			warnf("Warning: failed to terminate pod %s\n", pod.ID)
			continue
		}
		terminated++
		forgetSession(ctx, sessions, pod.ID)
	}
	if terminated < len(running) {
		return fmt.Errorf("terminated %d of %d pod(s), run 'podlink stop' again to retry", terminated, len(running))
	}

	successf("✓ Terminated %d pod(s)\n", terminated)
	return nil
}

func forgetSession(ctx context.Context, sessions *ledger.Ledger, podID string) {
	if sessions == nil {
		return
	}
	if err := sessions.Remove(ctx, podID); err != nil {
		warnf("Warning: %v\n", err)
	}
}

func init() {
	stopCmd.Flags().StringVar(&stopPodID, "pod", "", "Terminate only this pod")
}
