package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lorelai/podlink/pkg/runpod"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pods on the RunPod account",
	Long: `List every pod on the account with its status, GPU, price and SSH
endpoint, including pods started outside podlink.`,
	Example: `  # Show all pods
  podlink status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		pods, err := newAPIClient(settings).ListPods(ctx)
		if err != nil {
			return fmt.Errorf("failed to list pods: %w", err)
		}

		if len(pods) == 0 {
			fmt.Println("No pods found")
			return nil
		}

		renderTable(os.Stdout, []string{"ID", "Name", "Status", "GPU", "Cost", "Public IP", "SSH Port"}, podRows(pods))
		return nil
	},
}

func podRows(pods []*runpod.Pod) [][]string {
	rows := make([][]string, 0, len(pods))
	for _, pod := range pods {
		gpu := "-"
		if pod.GPU != nil {
			gpu = pod.GPU.DisplayName
			if gpu == "" {
				gpu = pod.GPU.ID
			}
			if pod.GPU.Count > 1 {
				gpu = fmt.Sprintf("%dx %s", pod.GPU.Count, gpu)
			}
		}

		ip, ssh := "-", "-"
		if pod.PublicIP != "" {
			ip = pod.PublicIP
		}
		if port := pod.SSHPort(); port != 0 {
			ssh = strconv.Itoa(port)
		}

		rows = append(rows, []string{pod.ID, pod.Name, pod.DesiredStatus, gpu, formatCost(pod.CostPerHr), ip, ssh})
	}
	return rows
}
