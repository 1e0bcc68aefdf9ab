package cmd

import (
	"context"
	"errors"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/remote"
)

var readCmd = &cobra.Command{
	Use:   "read <account> <folder> <uid>",
	Short: "Display one message, from the local cache when available",
	RunE:  runRead,
}

var readFlags struct {
	html bool
}

func init() {
	readCmd.Flags().BoolVar(&readFlags.html, "html", false, "display the HTML body instead of the text body")
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	if len(args) < 3 {
		return errors.New("expected account name, folder and message UID")
	}
	accountName, folder := args[0], args[1]
	uid, err := parseUID(args[2])
	if err != nil {
		return err
	}

	email, err := getService().FetchOne(context.Background(), accountName, folder, uid)
	if err != nil {
		return err
	}

	pterm.Printfln("From:    %s", displayAddress(email.From))
	pterm.Printfln("To:      %s", displayAddressList(email.To))
	if len(email.Cc) > 0 {
		pterm.Printfln("Cc:      %s", displayAddressList(email.Cc))
	}
	pterm.Printfln("Date:    %s", email.Date.Local().Format("2006-01-02 15:04"))
	pterm.Printfln("Subject: %s", email.Subject)
	pterm.Println()

	if readFlags.html && email.HTML != "" {
		pterm.Println(email.HTML)
	} else {
		pterm.Println(email.Text)
	}

	for _, attachment := range email.Attachments {
		pterm.Printfln("attachment: %s (%s, %d bytes)",
			attachment.Filename, attachment.ContentType, attachment.Size)
	}
	return nil
}

func displayAddressList(addresses []remote.Address) string {
	display := ""
	for i, address := range addresses {
		if i > 0 {
			display += ", "
		}
		display += displayAddress(address)
	}
	return display
}
