package main

import (
	"fmt"

	"github.com/iopscan/iopscan/internal/api"
	"github.com/iopscan/iopscan/internal/api/client"
	"github.com/iopscan/iopscan/internal/config"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP scan service",
	Long: `Serves the scan API on 127.0.0.1 until interrupted.

The model is loaded in the background at startup; scans sent before it is
ready wait for the load to finish.

Endpoints (under /api/v1):
  GET    /health          liveness
  GET    /status          service and model state
  POST   /scans           classify an uploaded image (multipart field "image")
  GET    /scans           list recorded scans
  GET    /scans/:id       one recorded scan
  POST   /model/reload    discard the cache and load the model again
  DELETE /model/cache     unload the model and delete its files`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running scan service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiClient := client.NewClient(serviceURL(servePort))
		if err := apiClient.Health(); err != nil {
			fmt.Println("Service is not running")
			return nil
		}
		if err := apiClient.Shutdown(); err != nil {
			return err
		}
		fmt.Println("Service shutdown initiated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, stopCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "API port (default: server.port)")
	stopCmd.Flags().IntVar(&servePort, "port", 0, "API port (default: server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	port := servePort
	if port == 0 {
		port = config.Get().Server.Port
	}

	d, err := newLocalDaemon()
	if err != nil {
		return err
	}

	routes := api.SetupRoutes(d)
	d.SetAPIHandler(routes)

	if err := d.Start(port); err != nil {
		d.Shutdown()
		return err
	}

	d.Wait()
	return d.Shutdown()
}
