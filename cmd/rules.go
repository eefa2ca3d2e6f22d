package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/sunbk201/ruleproxy/internal/config"
	"github.com/sunbk201/ruleproxy/internal/factory"
	"github.com/sunbk201/ruleproxy/internal/host/memory"
	"github.com/sunbk201/ruleproxy/internal/rule"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the stored rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List stored rules, of every kind or of one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesList,
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}

// runRulesList loads the stores into a detached factory, so nothing is
// registered with live traffic.
func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	local, sync, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer local.Close()
	defer sync.Close()

	f := factory.New(&rule.Env{Host: memory.New()}, local, sync)
	defer f.Close()

	kinds := f.Kinds()
	if len(args) == 1 {
		kind, err := f.Kind(args[0])
		if err != nil {
			return err
		}
		kinds = []rule.Kind{kind}
	}
	ctx := context.Background()
	if err := f.Initialize(ctx, kinds...); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Kind", "ID", "Name", "Enabled", "Sync", "URL Filters"})
	total := 0
	for _, kind := range kinds {
		rules, err := f.Get(kind)
		if err != nil {
			return err
		}
		for _, d := range rules {
			filters := cast.ToStringSlice(d[rule.FieldURLFilters])
			t.AppendRow(table.Row{
				kind,
				d[rule.FieldID],
				d[rule.FieldName],
				cast.ToBool(d[rule.FieldEnabled]),
				cast.ToBool(d[factory.FieldSync]),
				strings.Join(filters, "\n"),
			})
			total++
		}
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", total})
	t.Render()
	return nil
}
