package cmd

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/remote"
)

var listCmd = &cobra.Command{
	Use:   "list <account>",
	Short: "Display the folder tree of an account",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("missing account name")
	}
	accountName := args[0]

	folders, err := getService().ListFolders(context.Background(), accountName)
	if err != nil {
		return err
	}
	table := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Folder", "Special use", "Messages"},
	})
	appendFolderRows(table, accountName, folders, "")
	return table.Render()
}

func appendFolderRows(table *pterm.TablePrinter, accountName string, folders []*remote.Folder, indent string) {
	for _, folder := range folders {
		messages := ""
		if !folder.NoSelect {
			status, err := getService().FolderStatus(context.Background(), accountName, folder.Path)
			if err == nil {
				messages = strconv.FormatUint(uint64(status.Messages), 10)
			}
		}
		table.Data = append(table.Data, []string{
			indent + folder.Name,
			strings.TrimPrefix(folder.SpecialUse, "\\"),
			messages,
		})
		appendFolderRows(table, accountName, folder.Children, indent+"  ")
	}
}

func displayFlags(source []string) string {
	flags := make([]string, len(source))
	for i, flag := range source {
		flags[i] = strings.TrimPrefix(flag, "\\")
	}
	return strings.Join(flags, ", ")
}
