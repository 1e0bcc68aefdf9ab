package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/term"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh <account>",
	Short: "Refresh the OAuth2 tokens of an account",
	RunE:  runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("missing account name")
	}
	accountName := args[0]

	if err := getService().RefreshToken(context.Background(), accountName); err != nil {
		return err
	}
	term.Infof("tokens for %s refreshed", accountName)
	return nil
}
