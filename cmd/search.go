package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/remote"
)

var searchCmd = &cobra.Command{
	Use:   "search <account> <folder> [query]",
	Short: "Search messages on the server",
	RunE:  runSearch,
}

var searchFlags struct {
	from    string
	subject string
	since   string
	before  string
}

func init() {
	searchCmd.Flags().StringVar(&searchFlags.from, "from", "", "match the From header")
	searchCmd.Flags().StringVar(&searchFlags.subject, "subject", "", "match the Subject header")
	searchCmd.Flags().StringVar(&searchFlags.since, "since", "", "received on or after this date (YYYY-MM-DD)")
	searchCmd.Flags().StringVar(&searchFlags.before, "before", "", "received before this date (YYYY-MM-DD)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		return errors.New("missing account name and folder")
	}
	accountName, folder := args[0], args[1]
	query := strings.Join(args[2:], " ")

	filter := remote.SearchFilter{
		From:    searchFlags.from,
		Subject: searchFlags.subject,
	}
	var err error
	if filter.Since, err = parseDate(searchFlags.since); err != nil {
		return err
	}
	if filter.Before, err = parseDate(searchFlags.before); err != nil {
		return err
	}

	emails, total, err := getService().Search(context.Background(), accountName, folder, query, filter)
	if err != nil {
		return err
	}
	if total > uint32(len(emails)) {
		pterm.Printfln("%d messages matched, displaying the %d most recent", total, len(emails))
	} else {
		pterm.Printfln("%d messages matched", total)
	}
	return renderHeaders(emails)
}
