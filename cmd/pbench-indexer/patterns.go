package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perfscale/pbench-indexer/pkg/config"
	"github.com/perfscale/pbench-indexer/pkg/templates"
	"github.com/perfscale/pbench-indexer/pkg/tooldata"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Print the index patterns the indexer writes to",
	Long: `Print the wildcard index pattern for every document category,
including one tool data pattern per known tool. Useful for setting up index
templates and search aliases ahead of indexing.`,
	RunE: runPatterns,
}

func init() {
	rootCmd.AddCommand(patternsCmd)
}

func runPatterns(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	bundle, err := loadBundle(cfg)
	if err != nil {
		return err
	}

	categories := []templates.Category{
		templates.CategoryRun,
		templates.CategoryTOC,
		templates.CategoryResultData,
		templates.CategoryServerReports,
	}

	for _, cat := range categories {
		pattern, err := bundle.Pattern(cat, "")
		if err != nil {
			return err
		}

		fmt.Printf("%-15s %s\n", cat, pattern)
	}

	for _, tool := range tooldata.DefaultRegistry().Tools() {
		pattern, err := bundle.Pattern(templates.CategoryToolData, tool)
		if err != nil {
			return err
		}

		fmt.Printf("%-15s %s\n", templates.CategoryToolData, pattern)
	}

	return nil
}
