// Command omni-assistant runs the assistant gateway and its terminal clients.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vanky2viva/omni-assistant/internal/config"
	"github.com/vanky2viva/omni-assistant/internal/logger"
)

func main() {
	if err := newRootCommand(config.Load()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. Flags default to the values in cfg
// and write back into it.
func newRootCommand(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "omni-assistant",
		Short:         "Streaming shop assistant gateway and terminal client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Configure(cfg.LogLevel, cfg.LogFormat)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console or json)")
	flags.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "assistant backend base URL")
	flags.StringVar(&cfg.Mode, "mode", cfg.Mode, "backend mode; MOCK streams canned answers in-process")

	root.AddCommand(newServeCommand(cfg))
	root.AddCommand(newChatCommand(cfg))
	root.AddCommand(newAttachCommand())
	root.AddCommand(newSuggestCommand())
	return root
}
