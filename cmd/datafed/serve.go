package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/datafedhq/datafed/internal/engine"
	"github.com/datafedhq/datafed/pkg/service"
)

// serveCmd runs the hub as a long-lived service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the federation hub",
	Long:  `Start the hub service: outbox dispatcher, directory, and the gRPC health endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.GetInt("service.grpc_port", 50055)
		}

		svc := engine.NewService()
		base := service.NewBaseService("datafed", version, port, cfg, svc)
		return base.Run(context.Background())
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "gRPC port (overrides config)")
}
