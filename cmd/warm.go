package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/cache"
	"github.com/mailroom/mailroom/term"
)

var warmCmd = &cobra.Command{
	Use:   "warm <account> <folder>",
	Short: "Download every message of a folder into the local cache",
	RunE:  runWarm,
}

func init() {
	rootCmd.AddCommand(warmCmd)
}

func runWarm(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		return errors.New("missing account name and folder")
	}
	accountName, folder := args[0], args[1]

	events, err := getService().WarmEvents(accountName)
	if err != nil {
		return err
	}
	queued, err := getService().WarmCache(context.Background(), accountName, folder)
	if err != nil {
		return err
	}
	if queued == 0 {
		term.Infof("every message in %s is already cached", folder)
		return nil
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	pbar, _ := pterm.DefaultProgressbar.WithTotal(queued).WithTitle("Caching " + folder).Start()
	defer func() {
		if pbar != nil {
			_, _ = pbar.Stop()
		}
	}()

	done := 0
	for {
		select {
		case event := <-events:
			done = advanceBar(pbar, event, done)
			if event.LastError != "" {
				term.Warnf("caching error: %s", event.LastError)
			}
			if !event.Active {
				term.Infof("%d messages cached, %d errors", event.Completed, event.Errors)
				return nil
			}
		case <-interrupt:
			term.Warn("interrupted, stopping the cache run")
			return getService().StopWarm(accountName)
		}
	}
}

// advanceBar catches the progress bar up to a queue event. Events are lossy,
// so one event may cover several messages.
func advanceBar(pbar *pterm.ProgressbarPrinter, event cache.Progress, done int) int {
	for done < event.Completed+event.Errors {
		if pbar != nil {
			pbar.Increment()
		}
		done++
	}
	return done
}
