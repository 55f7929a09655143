package cli

import (
	"github.com/spf13/cobra"

	"curtailment-cashflow/internal/app"
)

var (
	exportUnit    string
	exportFrom    string
	exportTo      string
	exportCSVPath string
	exportMaxRows int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export calculated and indicative period cashflows as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Unit:    exportUnit,
			From:    exportFrom,
			To:      exportTo,
			CSVPath: exportCSVPath,
			MaxRows: exportMaxRows,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportUnit, "unit", "", "Only export this BM unit")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First settlement date (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last settlement date (YYYY-MM-DD, exclusive)")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum rows to export (defaults to config)")
}
