package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/sleuth/internal/app"
	"github.com/harun/sleuth/pkg/objectstore"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered tools",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := app.NewToolRegistry(cfg, objectstore.New(cfg.Store), zerolog.Nop())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tPARAMETERS\tDESCRIPTION")
	for _, spec := range registry.List() {
		params := make([]string, 0, len(spec.Parameters))
		for _, p := range spec.Parameters {
			name := p.Name
			if !p.Required {
				name += "?"
			}
			params = append(params, name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", spec.ID, strings.Join(params, ","), spec.Description)
	}
	return w.Flush()
}
