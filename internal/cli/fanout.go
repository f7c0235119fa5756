package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/sleuth/pkg/fanout"
)

var (
	fanoutJoin           string
	fanoutOnFail         string
	fanoutMaxConcurrency int
	fanoutTimeout        time.Duration
	fanoutJSON           bool
)

var fanoutCmd = &cobra.Command{
	Use:   "fanout <query> [query...]",
	Short: "Run independent queries in parallel",
	Long: `Run each argument as its own workflow, in parallel, and print the
results in argument order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFanout,
}

func init() {
	fanoutCmd.Flags().StringVar(&fanoutJoin, "join", string(fanout.JoinAll), "join strategy (all, first, any)")
	fanoutCmd.Flags().StringVar(&fanoutOnFail, "on-fail", string(fanout.OnFailContinue), "failure policy (continue, abort)")
	fanoutCmd.Flags().IntVar(&fanoutMaxConcurrency, "max-concurrency", 0, "parallel sub-queries (default from config)")
	fanoutCmd.Flags().DurationVar(&fanoutTimeout, "timeout", 0, "per sub-query timeout (default from config)")
	fanoutCmd.Flags().BoolVar(&fanoutJSON, "json", false, "print the response as JSON")
	rootCmd.AddCommand(fanoutCmd)
}

func runFanout(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	queries := make([]fanout.SubQuery, len(args))
	for i, q := range args {
		queries[i] = fanout.SubQuery{ID: fmt.Sprintf("q%d", i+1), Query: q}
	}

	resp, err := s.app.Fanout.Execute(ctx, fanout.Request{
		Queries:        queries,
		Join:           fanout.JoinStrategy(fanoutJoin),
		OnFail:         fanout.OnFail(fanoutOnFail),
		MaxConcurrency: fanoutMaxConcurrency,
		DefaultTimeout: fanoutTimeout,
	})
	if resp != nil {
		if perr := printFanout(cmd.OutOrStdout(), resp, fanoutJSON); perr != nil {
			return perr
		}
	}
	return err
}

func printFanout(out io.Writer, resp *fanout.Response, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	for _, r := range resp.Results {
		marker := ""
		if r.Index == resp.Winner {
			marker = " (winner)"
		}
		fmt.Fprintf(out, "[%s] %s %s%s\n", r.ID, r.Status, r.Duration.Round(time.Millisecond), marker)
		fmt.Fprintf(out, "  query: %s\n", r.Query)
		switch {
		case r.Output != "":
			fmt.Fprintf(out, "  %s\n", r.Output)
		case r.Error != "":
			fmt.Fprintf(out, "  error: %s\n", r.Error)
		}
	}
	_, err := fmt.Fprintf(out, "\n%d succeeded, %d failed in %s\n", resp.Succeeded, resp.Failed, resp.Duration.Round(time.Millisecond))
	return err
}
