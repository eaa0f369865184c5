package main

import (
	"fmt"
	"os"

	"github.com/mkallio/camguard-go/cmd"
	"github.com/mkallio/camguard-go/internal/conf"
)

func main() {
	settings, err := conf.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
