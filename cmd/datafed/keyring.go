package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/datafedhq/datafed/pkg/database"
)

// keyringCmd groups credential management commands
var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage stored credentials",
}

var keyringSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the database password in the keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("Database password: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		if len(password) == 0 {
			return fmt.Errorf("password must not be empty")
		}

		if err := database.SetKeyringPassword(string(password)); err != nil {
			return fmt.Errorf("failed to store password: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Password stored")
		return nil
	},
}

func init() {
	keyringCmd.AddCommand(keyringSetCmd)
}
