package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/notegrade/notegrade/internal/bucket"
	"github.com/notegrade/notegrade/internal/client"
	"github.com/notegrade/notegrade/internal/evaluation"
	"github.com/notegrade/notegrade/internal/store"
)

func speakersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "speakers [speaker_id]",
		Short: "Report speaker statistics from storage or a running server",
		Long: `Without arguments, lists every speaker aggregate followed by the overall rollup.
With a speaker ID, lists that speaker's evaluations, oldest first.

With --server, the report is fetched from the API; listing every speaker
aggregate needs direct storage access, so only the overall rollup is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSpeakers,
	}
	cmd.Flags().String("storage", "", "storage backend (sqlite, postgres, redis)")
	addServerFlags(cmd)
	return cmd
}

func runSpeakers(cmd *cobra.Command, args []string) error {
	if c := newClient(cmd); c != nil {
		return runSpeakersRemote(cmd, c, args)
	}

	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("storage"); v != "" {
		cfg.Storage.Type = v
	}

	ctx := cmd.Context()
	storage, err := store.New(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close() }()

	out := cmd.OutOrStdout()

	if len(args) == 1 {
		evals, err := storage.ListEvaluations(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(out, evals)
		}
		if len(evals) == 0 {
			fmt.Fprintf(out, "No evaluations for speaker %s\n", args[0])
			return nil
		}
		return renderEvaluations(out, evals)
	}

	metrics, err := storage.ListSpeakerMetrics(ctx)
	if err != nil {
		return err
	}
	overall := evaluation.Overall(metrics)
	if jsonOutput(cmd) {
		return writeJSON(out, map[string]interface{}{
			"speakers": metrics,
			"overall":  overall,
		})
	}
	if err := renderSpeakers(out, metrics); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return renderOverall(out, overall)
}

func runSpeakersRemote(cmd *cobra.Command, c *client.Client, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		m, err := c.SpeakerMetric(ctx, args[0])
		if err != nil {
			return err
		}
		evals, err := c.ListEvaluations(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(out, map[string]interface{}{
				"speaker":     m,
				"evaluations": evals,
			})
		}
		if err := renderSpeakers(out, []*store.SpeakerMetric{m}); err != nil {
			return err
		}
		fmt.Fprintln(out)
		return renderEvaluations(out, evals)
	}

	overall, err := c.OverallMetrics(ctx)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return writeJSON(out, map[string]interface{}{"overall": overall})
	}
	return renderOverall(out, overall)
}

func renderSpeakers(w io.Writer, metrics []*store.SpeakerMetric) error {
	table := createStandardTable([]string{
		"Speaker", "Bucket", "Evaluations", "Avg quality", "Avg improvement", "Avg SER", "Avg WER", "Changes", "Updated",
	}, w)
	for _, m := range metrics {
		_ = table.Append([]string{
			m.SpeakerID,
			m.CurrentBucket.String(),
			strconv.Itoa(m.TotalEvaluations),
			formatFloat(m.AvgQualityScore),
			formatFloat(m.AvgImprovementScore),
			formatFloat(m.AvgSentenceEditRate),
			formatFloat(m.AvgWordErrorRate),
			strconv.Itoa(m.BucketChangeCount),
			m.UpdatedAt.Format(time.RFC3339),
		})
	}
	return table.Render()
}

func renderOverall(w io.Writer, o *store.OverallMetrics) error {
	table := createStandardTable([]string{"Overall", "Value"}, w)
	_ = table.Append([]string{"Speakers", strconv.Itoa(o.TotalSpeakers)})
	_ = table.Append([]string{"Evaluations", strconv.Itoa(o.TotalEvaluations)})
	_ = table.Append([]string{"Avg quality", formatFloat(o.AvgQualityScore)})
	_ = table.Append([]string{"Avg improvement", formatFloat(o.AvgImprovementScore)})
	for _, b := range bucket.All {
		_ = table.Append([]string{"Bucket " + b.String(), strconv.Itoa(o.BucketDistribution[b])})
	}
	return table.Render()
}

func renderEvaluations(w io.Writer, evals []*store.Evaluation) error {
	table := createStandardTable([]string{
		"Candidate", "SER", "WER", "Semantic", "Quality", "Improvement", "Bucket", "Changed", "Created",
	}, w)
	for _, e := range evals {
		b := e.BucketRecommended.String()
		if e.CriticalLowQuality {
			b += " !"
		}
		_ = table.Append([]string{
			e.CandidateID,
			formatFloat(e.SentenceEditRate),
			formatFloat(e.WordErrorRate),
			formatFloat(e.SemanticSimilarity),
			formatFloat(e.QualityScore),
			formatFloat(e.ImprovementScore),
			b,
			strconv.FormatBool(e.BucketChanged),
			e.CreatedAt.Format(time.RFC3339),
		})
	}
	return table.Render()
}
