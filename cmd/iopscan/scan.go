package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/iopscan/iopscan/internal/api/client"
	"github.com/iopscan/iopscan/internal/config"
	"github.com/iopscan/iopscan/internal/daemon"
	"github.com/iopscan/iopscan/internal/pipeline"
	"github.com/iopscan/iopscan/pkg/types"
	"github.com/spf13/cobra"
)

var (
	scanServer    string
	scanJSON      bool
	scanNoHistory bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <image>...",
	Short: "Classify fundus images for elevated IOP risk",
	Long: `Runs each image through the classification model and prints the result.

The model is downloaded on first use and loaded once for all images.
With --server the images are uploaded to a running 'iopscan serve' instead.`,
	Example: `  iopscan scan left.jpg right.jpg
  iopscan scan --json eye.png
  iopscan scan --server http://127.0.0.1:8740 eye.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanServer, "server", "", "scan through a running service at this URL")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print results as JSON")
	scanCmd.Flags().BoolVar(&scanNoHistory, "no-history", false, "do not record results in the scan history")
}

func runScan(cmd *cobra.Command, args []string) error {
	asJSON := scanJSON || config.Get().UI.OutputFormat == "json"

	var (
		responses []types.ScanResponse
		err       error
	)
	if scanServer != "" {
		responses, err = scanRemote(scanServer, args)
	} else {
		responses, err = scanLocal(args)
	}

	if asJSON {
		printJSON(responses)
	} else {
		for _, resp := range responses {
			printScan(resp)
		}
	}

	if err != nil {
		return err
	}

	failed := 0
	for _, resp := range responses {
		if resp.Scan.Result.Label == types.LabelError {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scans failed", failed, len(responses))
	}
	return nil
}

// scanLocal loads the model in-process. A model that cannot be loaded stops the run.
func scanLocal(images []string) ([]types.ScanResponse, error) {
	var opts []daemon.Option
	if scanNoHistory {
		opts = append(opts, daemon.WithoutHistory())
	}

	d, err := newLocalDaemon(opts...)
	if err != nil {
		return nil, err
	}
	defer d.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var responses []types.ScanResponse
	for _, image := range images {
		outcome, err := d.Scanner().Scan(ctx, image)
		responses = append(responses, responseFor(outcome, err))

		if pipeline.IsLoadFailure(err) || errors.Is(err, context.Canceled) {
			return responses, err
		}
	}

	return responses, nil
}

func scanRemote(server string, images []string) ([]types.ScanResponse, error) {
	apiClient := client.NewClient(server)
	if err := apiClient.Health(); err != nil {
		return nil, fmt.Errorf("service at %s is not reachable: %w", server, err)
	}

	var responses []types.ScanResponse
	for _, image := range images {
		resp, err := apiClient.Scan(image)
		if resp == nil {
			if err == nil {
				err = errors.New("empty response")
			}
			// nothing was classified; report it like a local per-image failure
			resp = &types.ScanResponse{
				Scan: types.ScanRecord{
					Image:  filepath.Base(image),
					Result: types.ClassificationResult{Label: types.LabelError, Error: err.Error()},
				},
				Error: err.Error(),
			}
		}
		responses = append(responses, *resp)

		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 503 {
			return responses, err
		}
	}

	return responses, nil
}

func responseFor(outcome *pipeline.Outcome, err error) types.ScanResponse {
	resp := types.ScanResponse{
		Scan:       outcome.Record,
		Blurry:     outcome.Blurry,
		DurationMS: outcome.Duration.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func printScan(resp types.ScanResponse) {
	result := resp.Scan.Result
	switch result.Label {
	case types.LabelError:
		fmt.Printf("❌ %s: %s\n", resp.Scan.Image, result.Error)
		return
	case types.LabelElevatedRisk:
		fmt.Printf("⚠️  %s: elevated IOP risk (confidence %.2f)\n", resp.Scan.Image, result.Confidence)
	default:
		fmt.Printf("✅ %s: normal (confidence %.2f)\n", resp.Scan.Image, result.Confidence)
	}

	if resp.Blurry {
		fmt.Printf("    image looks blurry (sharpness %.1f); consider retaking it\n", resp.Scan.Sharpness)
	}
	if verbose {
		fmt.Printf("    id %s, model %s, %d ms\n", resp.Scan.ID, resp.Scan.Model, resp.DurationMS)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}
