package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datafedhq/datafed/internal/engine"
)

// initCmd applies the database schema
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the hub database schema",
	Long:  `Apply the database schema. Safe to run against an already initialized database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := e.InitializeSchema(ctx); err != nil {
				return err
			}
			fmt.Println("Schema applied")
			return nil
		})
	},
}
