package cli

import (
	"github.com/spf13/cobra"

	"curtailment-cashflow/internal/app"
)

var (
	priceBidOfferDir   string
	priceGenerationDir string
	priceOutDir        string
	priceUnits         []string
)

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Price settlement periods offline from bid-offer and generation CSV folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PriceOptions{
			BidOfferDir:   priceBidOfferDir,
			GenerationDir: priceGenerationDir,
			OutDir:        priceOutDir,
			Units:         priceUnits,
		}
		return getApp().Price(cmd.Context(), opts)
	},
}

func init() {
	priceCmd.Flags().StringVar(&priceBidOfferDir, "bid-offer", "", "Folder of <unit>.csv bid-offer files")
	priceCmd.Flags().StringVar(&priceGenerationDir, "generation", "", "Folder of <unit>.csv generation files")
	priceCmd.Flags().StringVar(&priceOutDir, "out", "", "Folder to write <unit>.csv cashflows into")
	priceCmd.Flags().StringSliceVar(&priceUnits, "unit", nil, "Only price these units (defaults to every file in --bid-offer)")
}
