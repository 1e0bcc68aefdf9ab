package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mailroom/mailroom/cfg"
	"github.com/mailroom/mailroom/service"
	"github.com/mailroom/mailroom/term"
)

var rootCmd = &cobra.Command{
	Use:   "mailroom",
	Short: "Mail session tools: browse, search, send, cache",
	Long:  "\nMail session tools: browse, search, send, cache",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig, initLog)
	flag := rootCmd.PersistentFlags()
	flag.StringVarP(&global.configFile, "config", "c", "mailroom.yaml", "configuration file")
	flag.BoolVarP(&global.quiet, "quiet", "q", false, "only display warnings and errors")
	flag.BoolVarP(&global.verbose, "verbose", "v", false, "display debugging information")
}

func initConfig() {
	var err error
	config, err = cfg.LoadFile(global.configFile)
	if err != nil {
		term.Errorf("cannot open or read configuration file: %s", err)
		os.Exit(1)
	}
}

func initLog() {
	switch {
	case global.verbose:
		term.SetLevel(term.LevelDebug)
	case global.quiet:
		term.SetLevel(term.LevelWarn)
	}
}

// getService builds the shared service on first use. Refreshed tokens are
// written back to the configuration file.
func getService() *service.Service {
	if svc == nil {
		svc = service.New(config, service.Options{
			Logger: termLogger{},
			SaveTokens: func(string, cfg.Account) error {
				return config.SaveFile(global.configFile)
			},
		})
	}
	return svc
}

func Execute() {
	err := rootCmd.Execute()
	if svc != nil {
		svc.Close()
	}
	if err != nil {
		term.Error(err)
		os.Exit(1)
	}
}

// termLogger routes session-layer debug output to the terminal printer,
// where the verbose flag decides whether it shows.
type termLogger struct{}

func (termLogger) Print(a ...any)                 { term.Debug(a...) }
func (termLogger) Println(a ...any)               { term.Debug(a...) }
func (termLogger) Printf(format string, a ...any) { term.Debugf(format, a...) }
