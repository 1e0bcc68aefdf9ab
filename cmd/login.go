package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/term"
)

var loginCmd = &cobra.Command{
	Use:   "login <account>",
	Short: "Sign in to an OAuth2 account through the browser",
	RunE:  runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("missing account name")
	}
	accountName := args[0]

	authURL, state, err := getService().BeginAuthorization(accountName)
	if err != nil {
		return err
	}
	term.Info("Open this URL in your browser to sign in:")
	term.Info(authURL)
	term.Info("Waiting for the sign-in to complete...")

	err = getService().CompleteAuthorization(context.Background(), accountName, state)
	if err != nil {
		return err
	}
	term.Infof("account %s is signed in", accountName)
	return nil
}
