package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprung-app/llm-orchestrator/internal/capability"
)

var (
	modelsVision bool
	modelsSchema bool
	modelsJSON   bool
	modelsFilter string
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models and their capabilities from the OpenRouter catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		catalog := capability.NewOpenRouterCatalog(cfg.OpenRouter.BaseURL, cfg.OpenRouter.APIKey)

		ctx, cancel := contextWithTimeout(cmd, 30*time.Second)
		defer cancel()

		records, err := catalog.ListModels(ctx)
		if err != nil {
			return fmt.Errorf("failed to list models: %w", err)
		}

		records = slices.DeleteFunc(records, func(r capability.Record) bool {
			switch {
			case modelsVision && !r.Supports(capability.Vision):
				return true
			case modelsSchema && !r.Supports(capability.JSONSchema):
				return true
			case modelsFilter != "" && !strings.Contains(r.ModelID, modelsFilter):
				return true
			}
			return false
		})
		slices.SortFunc(records, func(a, b capability.Record) int { return strings.Compare(a.ModelID, b.ModelID) })

		if modelsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		return printRecords(cmd.OutOrStdout(), records)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <model-id>",
	Short: "Fetch fresh capability metadata for one model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		catalog := capability.NewOpenRouterCatalog(cfg.OpenRouter.BaseURL, cfg.OpenRouter.APIKey)

		ctx, cancel := contextWithTimeout(cmd, 30*time.Second)
		defer cancel()

		rec, err := catalog.Probe(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to probe %s: %w", args[0], err)
		}
		return printRecords(cmd.OutOrStdout(), []capability.Record{rec})
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsVision, "vision", false, "Only list models that accept images")
	modelsCmd.Flags().BoolVar(&modelsSchema, "json-schema", false, "Only list models that support json_schema output")
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Print records as JSON")
	modelsCmd.Flags().StringVarP(&modelsFilter, "filter", "f", "", "Substring the model id must contain")
}

func printRecords(w io.Writer, records []capability.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tVISION\tSTRUCTURED\tJSON_SCHEMA\tREASONING")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ModelID,
			yesNo(r.Supports(capability.Vision)),
			yesNo(r.Supports(capability.StructuredOutput)),
			yesNo(r.Supports(capability.JSONSchema)),
			yesNo(r.Supports(capability.Reasoning)),
		)
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}
