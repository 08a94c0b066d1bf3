package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datafedhq/datafed/internal/engine"
	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/internal/identifier"
)

// nodesCmd groups federation directory commands
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage known federation nodes",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the nodes this hub knows about",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			nodes, err := e.Nodes().ListNodes(ctx)
			if err != nil {
				return err
			}
			for _, node := range nodes {
				fmt.Printf("%s  %s  %s  %s\n", node.ID, node.Name, node.APIAddress, node.DID)
			}
			return nil
		})
	},
}

var nodesAddCmd = &cobra.Command{
	Use:   "add <node_id>",
	Short: "Register a node in the directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		address, _ := cmd.Flags().GetString("api-address")
		did, _ := cmd.Flags().GetString("did")

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			node := &federation.Node{
				ID:         args[0],
				Identifier: identifier.New("node"),
				Name:       name,
				APIAddress: address,
				DID:        did,
			}
			if err := e.Nodes().CreateNode(ctx, node); err != nil {
				return err
			}
			fmt.Printf("Registered node %s (%s)\n", node.ID, node.Identifier)
			return nil
		})
	},
}

var nodesIdentityCmd = &cobra.Command{
	Use:   "identity <identifier> <node_id>",
	Short: "Map an identity to its owning node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			err := e.Nodes().UpsertIdentity(ctx, &federation.Identity{
				Identifier: args[0],
				NodeID:     args[1],
			})
			if err != nil {
				return err
			}
			fmt.Printf("Identity %s is owned by node %s\n", args[0], args[1])
			return nil
		})
	},
}

func init() {
	nodesAddCmd.Flags().String("name", "", "Human-readable node name")
	nodesAddCmd.Flags().String("api-address", "", "Base URL of the node's federation API")
	nodesAddCmd.Flags().String("did", "", "Ledger DID of the node")

	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesAddCmd)
	nodesCmd.AddCommand(nodesIdentityCmd)
}
