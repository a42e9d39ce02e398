package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/notegrade/notegrade/internal/client"
	"github.com/notegrade/notegrade/internal/evaluation"
)

// addServerFlags registers the flags used to reach a running notegrade-server.
func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "notegrade-server base URL (env NOTEGRADE_SERVER)")
	cmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
	cmd.Flags().String("client-id", "notegrade-cli", "client ID sent for rate limiting")
}

// newClient builds an API client from the command flags. It returns nil when
// no server is configured.
func newClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		base = os.Getenv("NOTEGRADE_SERVER")
	}
	if base == "" {
		return nil
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	clientID, _ := cmd.Flags().GetString("client-id")
	return client.New(client.Config{
		BaseURL:  base,
		Timeout:  timeout,
		ClientID: clientID,
	})
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <speaker_id> <reference_draft_id> <candidate_id>",
		Short: "Submit an evaluation to a running server",
		Long: `Submits a candidate note for evaluation against its reference draft.
Evaluating the same candidate twice returns the stored result.`,
		Args: cobra.ExactArgs(3),
		RunE: runEvaluate,
	}
	addServerFlags(cmd)
	cmd.Flags().String("session", "", "session ID to attach to the evaluation")
	return cmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	c := newClient(cmd)
	if c == nil {
		return fmt.Errorf("no server configured; pass --server or set NOTEGRADE_SERVER")
	}
	session, _ := cmd.Flags().GetString("session")

	res, err := c.Evaluate(cmd.Context(), evaluation.Request{
		SpeakerID:        args[0],
		ReferenceDraftID: args[1],
		CandidateID:      args[2],
		SessionID:        session,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, res)
	}
	return renderResult(out, res)
}

func renderResult(w io.Writer, res *evaluation.Result) error {
	e := res.Evaluation
	if e == nil {
		return fmt.Errorf("server returned no evaluation")
	}
	if res.AlreadyEvaluated {
		fmt.Fprintf(w, "Candidate %s was already evaluated; showing the stored result.\n\n", e.CandidateID)
	}

	table := createStandardTable([]string{"Metric", "Value"}, w)
	_ = table.Append([]string{"Evaluation", e.ID})
	_ = table.Append([]string{"Sentence edit rate", formatFloat(e.SentenceEditRate)})
	_ = table.Append([]string{"Word error rate", formatFloat(e.WordErrorRate)})
	_ = table.Append([]string{"Semantic similarity", formatFloat(e.SemanticSimilarity)})
	_ = table.Append([]string{"Quality score", formatFloat(e.QualityScore)})
	_ = table.Append([]string{"Improvement score", formatFloat(e.ImprovementScore)})
	_ = table.Append([]string{"Recommended bucket", e.BucketRecommended.String()})
	_ = table.Append([]string{"Critical low quality", strconv.FormatBool(e.CriticalLowQuality)})
	if m := res.SpeakerMetric; m != nil {
		_ = table.Append([]string{"Speaker bucket", m.CurrentBucket.String()})
		_ = table.Append([]string{"Speaker evaluations", strconv.Itoa(m.TotalEvaluations)})
	}
	return table.Render()
}
