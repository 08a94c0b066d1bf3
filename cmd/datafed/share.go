package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/datafedhq/datafed/internal/engine"
	"github.com/datafedhq/datafed/internal/permission"
	"github.com/datafedhq/datafed/internal/share"
)

// shareCmd groups the share lifecycle commands
var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Issue and retract shares",
}

var shareCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a share and announce it to the recipients",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		project, _ := cmd.Flags().GetString("project")
		createdBy, _ := cmd.Flags().GetString("created-by")
		recipients, _ := cmd.Flags().GetStringSlice("recipient")
		actionNames, _ := cmd.Flags().GetStringSlice("action")
		caseIDs, _ := cmd.Flags().GetStringSlice("case")
		fileIDs, _ := cmd.Flags().GetStringSlice("file")
		queryFile, _ := cmd.Flags().GetString("query-file")
		percentage, _ := cmd.Flags().GetInt("percentage")
		validFromStr, _ := cmd.Flags().GetString("valid-from")
		validUntilStr, _ := cmd.Flags().GetString("valid-until")

		actions := make([]permission.Action, 0, len(actionNames))
		for _, raw := range actionNames {
			action, err := permission.ParseAction(raw)
			if err != nil {
				return err
			}
			actions = append(actions, action)
		}

		validFrom := time.Now()
		if validFromStr != "" {
			var err error
			validFrom, err = time.Parse(time.RFC3339, validFromStr)
			if err != nil {
				return fmt.Errorf("invalid --valid-from: %w", err)
			}
		}
		validUntil := validFrom.Add(90 * 24 * time.Hour)
		if validUntilStr != "" {
			var err error
			validUntil, err = time.Parse(time.RFC3339, validUntilStr)
			if err != nil {
				return fmt.Errorf("invalid --valid-until: %w", err)
			}
		}

		var queryTree []byte
		if queryFile != "" {
			data, err := os.ReadFile(queryFile)
			if err != nil {
				return fmt.Errorf("failed to read query file: %w", err)
			}
			queryTree = data
		}

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			sh, err := e.Manager().Create(ctx, share.CreateInput{
				ContentType: "file",
				ProjectID:   project,
				Name:        name,
				CreatedBy:   createdBy,
				Recipients:  recipients,
				ValidFrom:   validFrom,
				ValidUntil:  validUntil,
				Actions:     actions,
				CaseIDs:     caseIDs,
				FileIDs:     fileIDs,
				QueryTree:   queryTree,
				Percentage:  percentage,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created share %s with %d files for %d recipients\n",
				sh.Identifier, len(sh.FileIdentifiers), len(recipients))
			return nil
		})
	},
}

var shareRetractCmd = &cobra.Command{
	Use:   "retract <share_id>",
	Short: "Retract a share, revoking its grants and tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := e.Manager().Retract(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Retracted share %s\n", args[0])
			return nil
		})
	},
}

func init() {
	shareCreateCmd.Flags().String("name", "", "Human-readable share name")
	shareCreateCmd.Flags().String("project", "", "Project identifier")
	shareCreateCmd.Flags().String("created-by", "", "Creator identity")
	shareCreateCmd.Flags().StringSlice("recipient", nil, "Recipient identity (repeatable; none means broadcast)")
	shareCreateCmd.Flags().StringSlice("action", []string{"view"}, "Granted action: view, download, share, transfer")
	shareCreateCmd.Flags().StringSlice("case", nil, "Case ID to include (repeatable)")
	shareCreateCmd.Flags().StringSlice("file", nil, "File ID to include (repeatable)")
	shareCreateCmd.Flags().String("query-file", "", "Path to a JSON query tree selecting files")
	shareCreateCmd.Flags().Int("percentage", 100, "Sampling percentage over the resolved set")
	shareCreateCmd.Flags().String("valid-from", "", "Token validity start (RFC3339, default now)")
	shareCreateCmd.Flags().String("valid-until", "", "Token validity end (RFC3339, default 90 days)")

	shareCmd.AddCommand(shareCreateCmd)
	shareCmd.AddCommand(shareRetractCmd)
}
