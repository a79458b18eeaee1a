package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vanky2viva/omni-assistant/internal/domain"
	"github.com/vanky2viva/omni-assistant/internal/suggestion"
)

func newSuggestCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "suggest [message]",
		Short: "Print follow-up suggestions for a message",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list := suggestion.Generate(strings.Join(args, " "))
			return writeSuggestions(cmd.OutOrStdout(), output, list)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, yaml)")
	return cmd
}

func writeSuggestions(w io.Writer, format string, list []domain.Suggestion) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(list)
	case "text", "":
		for i, s := range list {
			fmt.Fprintf(w, "%d. %s  %s\n", i+1, s.Label, s.Description)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
