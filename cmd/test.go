package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/term"
)

var testCmd = &cobra.Command{
	Use:   "test <account>",
	Short: "Verify that an account can connect and authenticate",
	RunE:  runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("missing account name")
	}
	accountName := args[0]

	if err := getService().TestConnection(context.Background(), accountName); err != nil {
		return err
	}
	term.Infof("account %s connected and authenticated", accountName)
	return nil
}
