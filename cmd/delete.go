package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/term"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <account> <folder> <uid>",
	Short: "Move a message to trash, or delete it permanently",
	RunE:  runDelete,
}

var deleteFlags struct {
	permanent bool
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteFlags.permanent, "permanent", false, "delete permanently instead of moving to trash")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	if len(args) < 3 {
		return errors.New("expected account name, folder and message UID")
	}
	accountName, folder := args[0], args[1]
	uid, err := parseUID(args[2])
	if err != nil {
		return err
	}

	err = getService().DeleteMessage(context.Background(), accountName, folder, uid, deleteFlags.permanent)
	if err != nil {
		return err
	}
	if deleteFlags.permanent {
		term.Infof("message %d deleted", uid)
	} else {
		term.Infof("message %d moved to trash", uid)
	}
	return nil
}
