package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var (
	successf = color.New(color.FgGreen).PrintfFunc()
	warnf    = color.New(color.FgYellow).PrintfFunc()
	infof    = color.New(color.FgCyan).PrintfFunc()
	dimf     = color.New(color.Faint).PrintfFunc()
)

// renderTable writes a borderless, left-aligned table
func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.Render()
}

func formatCost(perHour float64) string {
	return fmt.Sprintf("$%.3f/hr", perHour)
}
