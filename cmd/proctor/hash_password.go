package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"proctor/internal/auth"
)

// NewHashPasswordCmd creates the hash-password command.
func NewHashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for status.auth.password",
		Long: `Hash a password for the status API. The password is read from the
argument or, when omitted, from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	return cmd
}
