package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/term"
)

var flagCmd = &cobra.Command{
	Use:   "flag <account> <folder> <uid> <flag>...",
	Short: "Add or remove message flags (seen, answered, flagged, draft)",
	RunE:  runFlag,
}

var flagFlags struct {
	remove bool
}

func init() {
	flagCmd.Flags().BoolVar(&flagFlags.remove, "remove", false, "remove the flags instead of adding them")
	rootCmd.AddCommand(flagCmd)
}

func runFlag(cmd *cobra.Command, args []string) error {
	if len(args) < 4 {
		return errors.New("expected account name, folder, message UID and at least one flag")
	}
	accountName, folder := args[0], args[1]
	uid, err := parseUID(args[2])
	if err != nil {
		return err
	}
	flags := args[3:]

	err = getService().MutateFlags(context.Background(), accountName, folder, uid, flags, !flagFlags.remove)
	if err != nil {
		return err
	}
	if flagFlags.remove {
		term.Infof("removed %v from message %d", flags, uid)
	} else {
		term.Infof("added %v to message %d", flags, uid)
	}
	return nil
}
