package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorelai/podlink/pkg/ledger"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live deploy sessions recorded in Redis",
	Long: `Show the sessions recorded in the Redis session ledger by running
'podlink deploy' processes on any host sharing the ledger. Requires REDIS_ADDR.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		sessions, err := openLedger(ctx, settings, true)
		if err != nil {
			return err
		}
		defer sessions.Close()

		list, err := sessions.List(ctx)
		if err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No active sessions")
			return nil
		}

		renderTable(os.Stdout, []string{"Pod", "GPU", "Cost", "Endpoint", "Bind", "Host", "Age"}, sessionRows(list, time.Now()))
		return nil
	},
}

func sessionRows(list []*ledger.Session, now time.Time) [][]string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		endpoint := "-"
		if s.PublicIP != "" {
			endpoint = s.PublicIP + ":" + strconv.Itoa(s.SSHPort)
		}
		bind := s.BindAddr
		if bind == "" {
			bind = "-"
		}
		rows = append(rows, []string{
			s.PodID,
			s.GPUType,
			formatCost(s.CostPerHour),
			endpoint,
			bind,
			s.Host,
			now.Sub(s.StartedAt).Truncate(time.Second).String(),
		})
	}
	return rows
}
