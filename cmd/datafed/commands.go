package main

// setupCommands attaches all subcommands to the root
func setupCommands() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(keyringCmd)
}
