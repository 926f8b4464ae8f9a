package main

import (
	"fmt"

	"github.com/iopscan/iopscan/internal/config"
	"github.com/iopscan/iopscan/internal/history"
	"github.com/iopscan/iopscan/internal/storage"
	"github.com/iopscan/iopscan/internal/ui"
	"github.com/iopscan/iopscan/pkg/types"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
	historyClear bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show previous scan results",
	Long: `Lists recorded scans, newest first.

Scans are recorded by 'iopscan scan' and by the HTTP service unless
--no-history was given.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of scans to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print results as JSON")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "delete all recorded scans")
}

func runHistory(cmd *cobra.Command, args []string) error {
	paths := storage.NewPaths(config.Get().Storage)
	store, err := history.Open(paths.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open scan history: %w", err)
	}

	if historyClear {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear scan history: %w", err)
		}
		fmt.Println("✅ Scan history cleared")
		return nil
	}

	scans := store.List(historyLimit)
	if historyJSON || config.Get().UI.OutputFormat == "json" {
		printJSON(scans)
		return nil
	}

	if len(scans) == 0 {
		fmt.Println("No scans recorded.")
		fmt.Println("\nUse 'iopscan scan <image>' to screen a fundus photograph.")
		return nil
	}

	fmt.Printf("%-20s %-30s %-14s %s\n", "TIME", "IMAGE", "RESULT", "CONFIDENCE")
	for _, rec := range scans {
		printHistoryRow(rec)
	}
	fmt.Printf("\nShowing %d of %d scans\n", len(scans), store.Count())

	return nil
}

func printHistoryRow(rec types.ScanRecord) {
	confidence := fmt.Sprintf("%.2f", rec.Result.Confidence)
	if rec.Result.Label == types.LabelError {
		confidence = ui.TruncateString(rec.Result.Error, 40)
	}
	fmt.Printf("%-20s %-30s %-14s %s\n",
		rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		ui.TruncateString(rec.Image, 30),
		rec.Result.Label,
		confidence,
	)
}
