package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datafedhq/datafed/internal/engine"
)

// outboxCmd groups operational commands over the outbound message queue
var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and replay outbound messages",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages that have not been delivered yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			pending, err := e.OutboxStore().ListUnprocessed(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No unprocessed messages")
				return nil
			}
			for _, msg := range pending {
				recipient := msg.Recipient
				if msg.IsBroadcast() {
					recipient = "(broadcast)"
				}
				line := fmt.Sprintf("%s  %s -> %s  tries=%d", msg.ID, msg.Sender, recipient, msg.Tries)
				if msg.Error != "" {
					line += "  error=" + msg.Error
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

var outboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show one message with its delivery state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			msg, err := e.OutboxStore().Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ID:         %s\n", msg.ID)
			fmt.Printf("Sender:     %s\n", msg.Sender)
			if msg.IsBroadcast() {
				fmt.Printf("Recipient:  (broadcast)\n")
			} else {
				fmt.Printf("Recipient:  %s\n", msg.Recipient)
			}
			fmt.Printf("Processing: %t\n", msg.Processing)
			fmt.Printf("Processed:  %t\n", msg.Processed)
			if msg.StatusCode != nil {
				fmt.Printf("Status:     %d\n", *msg.StatusCode)
			}
			if msg.Error != "" {
				fmt.Printf("Error:      %s\n", msg.Error)
			}
			fmt.Printf("Tries:      %d\n", msg.Tries)
			fmt.Printf("Payload:    %s\n", string(msg.Payload))
			return nil
		})
	},
}

var outboxReplayCmd = &cobra.Command{
	Use:   "replay <message_id>",
	Short: "Reset a message and deliver it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			if err := e.Dispatcher().Replay(ctx, args[0]); err != nil {
				return err
			}
			msg, err := e.OutboxStore().Get(ctx, args[0])
			if err != nil {
				return err
			}
			if msg.Processed {
				fmt.Printf("Message %s delivered\n", msg.ID)
			} else {
				fmt.Printf("Message %s failed again: %s\n", msg.ID, msg.Error)
			}
			return nil
		})
	},
}

func init() {
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxShowCmd)
	outboxCmd.AddCommand(outboxReplayCmd)
}
