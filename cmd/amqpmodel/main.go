package main

import (
	"fmt"
	"os"

	"github.com/glimte/amqpmodel/internal/cli"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := cli.NewRootCommand(cli.Options{
		Out:     os.Stdout,
		Err:     os.Stderr,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
