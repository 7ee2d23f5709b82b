package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatline/pkg/session"
)

func newSessionIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "session-id",
		Short: "Print a fresh session identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), session.NewID())
			return err
		},
	}
}
