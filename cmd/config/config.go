// Package config implements the config subcommand for writing a starter
// configuration file.
package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkallio/camguard-go/internal/conf"
)

// Command creates the config command.
func Command() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.WriteDefault(output); err != nil {
				return err
			}
			fmt.Printf("wrote default configuration to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "config.yaml", "Path of the configuration file to write")

	return cmd
}
