package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tensorforge/forge/internal/daemon"
	"github.com/tensorforge/forge/internal/domain"
)

func init() {
	contextsIngestCmd.Flags().StringVar(&contextsIngestModel, "model", "", "model-id to bind the context to (required)")
	contextsIngestCmd.Flags().Int64Var(&contextsIngestTTL, "ttl", 0, "TTL in seconds (0 uses the configured default)")
	contextsIngestCmd.MarkFlagRequired("model")

	contextsQueryCmd.Flags().StringVar(&contextsQueryModel, "model", "", "model-id to generate on (defaults to the active model)")
	contextsQueryCmd.Flags().Float64Var(&contextsQueryTemp, "temperature", 0.7, "sampling temperature")
	contextsQueryCmd.Flags().IntVar(&contextsQueryMax, "max-tokens", 512, "max generated tokens")

	contextsCmd.AddCommand(contextsIngestCmd, contextsListCmd, contextsQueryCmd, contextsRmCmd)
	rootCmd.AddCommand(contextsCmd)
}

var contextsCmd = &cobra.Command{
	Use:   "contexts",
	Short: "Manage pre-computed prompt KV caches",
}

var (
	contextsIngestModel string
	contextsIngestTTL   int64
)

var contextsIngestCmd = &cobra.Command{
	Use:   "ingest TEXT_FILE",
	Short: "Pay the prefill cost once for a (model, prompt) pair and cache its KV tensors",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextsIngest,
}

func runContextsIngest(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	pb := newProgressBar()
	ctx, err := d.Contexts.Ingest(context.Background(), contextsIngestModel, string(data), contextsIngestTTL, pb.callback)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	fmt.Printf("Ingested context %s: %d tokens, %s, tier %s\n",
		ctx.ID, ctx.TokenCount, humanSize(ctx.ByteSize), ctx.Tier)
	return nil
}

var contextsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List cached contexts",
	RunE:    runContextsList,
}

func runContextsList(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	ctxs := d.Contexts.List()
	if len(ctxs) == 0 {
		fmt.Println("No contexts cached.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tTOKENS\tSIZE\tTIER\tACCESSES\tLAST ACCESS")
	for _, c := range ctxs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			c.ID, c.ModelID, c.TokenCount, humanSize(c.ByteSize), c.Tier,
			c.AccessCount, c.LastAccess.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

var (
	contextsQueryModel string
	contextsQueryTemp  float64
	contextsQueryMax   int
)

var contextsQueryCmd = &cobra.Command{
	Use:   "query CONTEXT_ID MESSAGE",
	Short: "Ask a question against a cached context, streaming the reply",
	Args:  cobra.ExactArgs(2),
	RunE:  runContextsQuery,
}

func runContextsQuery(cmd *cobra.Command, args []string) error {
	contextID, message := args[0], args[1]

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	req := domain.GenerationRequest{
		ModelID:   contextsQueryModel,
		ContextID: contextID,
		History:   []domain.Message{{Role: "user", Content: message}},
		Params: domain.DecodingParams{
			MaxTokens:   contextsQueryMax,
			Temperature: contextsQueryTemp,
			TopP:        0.9,
		},
		Stream: true,
	}

	result, err := d.Coordinator.Execute(cmd.Context(), req, func(tok domain.Token) {
		fmt.Print(tok.Text)
	})
	fmt.Println()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "[%d context-tokens, %d generated, cache_hit=%t, %.1f tok/s, finish=%s]\n",
		result.ContextTokens, result.GeneratedTokens, result.CacheHit, result.TokensPerSec, result.Finish)
	return nil
}

var contextsRmCmd = &cobra.Command{
	Use:   "rm CONTEXT_ID",
	Short: "Delete a cached context",
	Args:  cobra.ExactArgs(1),
	RunE:  runContextsRm,
}

func runContextsRm(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Contexts.Delete(args[0]); err != nil {
		return err
	}

	fmt.Printf("Removed context %s\n", args[0])
	return nil
}
