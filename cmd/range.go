package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/remote"
)

var rangeCmd = &cobra.Command{
	Use:   "range <account> <folder>",
	Short: "Display a page of messages, newest first",
	RunE:  runRange,
}

var rangeFlags struct {
	start uint32
	count uint32
}

func init() {
	rangeCmd.Flags().Uint32Var(&rangeFlags.start, "start", 0, "index of the first message, 0 is the newest")
	rangeCmd.Flags().Uint32Var(&rangeFlags.count, "count", 20, "number of messages to display")
	rootCmd.AddCommand(rangeCmd)
}

func runRange(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		return errors.New("missing account name and folder")
	}
	accountName, folder := args[0], args[1]

	result, err := getService().FetchRange(context.Background(), accountName, folder,
		rangeFlags.start, rangeFlags.start+rangeFlags.count)
	if err != nil {
		return err
	}
	pterm.Printfln("%d messages in %s", result.Total, folder)
	return renderHeaders(result.Emails)
}

func renderHeaders(emails []*remote.EmailHeader) error {
	table := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"#", "UID", "Date", "From", "Subject", "Flags"},
	})
	for _, email := range emails {
		table.Data = append(table.Data, []string{
			strconv.FormatUint(uint64(email.DisplayIndex), 10),
			strconv.FormatUint(uint64(email.UID), 10),
			displayDate(email),
			displayAddress(email.From),
			email.Subject,
			displayFlags(email.Flags),
		})
	}
	return table.Render()
}

func displayDate(email *remote.EmailHeader) string {
	date := email.Date
	if date.IsZero() {
		date = email.InternalDate
	}
	if date.IsZero() {
		return ""
	}
	return date.Local().Format("2006-01-02 15:04")
}

func displayAddress(address remote.Address) string {
	if address.Name != "" {
		return fmt.Sprintf("%s <%s>", address.Name, address.Address)
	}
	return address.Address
}

func parseUID(arg string) (uint32, error) {
	uid, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message UID %q: %w", arg, err)
	}
	return uint32(uid), nil
}

func parseDate(arg string) (time.Time, error) {
	if arg == "" {
		return time.Time{}, nil
	}
	date, err := time.ParseInLocation("2006-01-02", arg, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", arg)
	}
	return date, nil
}
