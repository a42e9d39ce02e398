package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/notegrade/notegrade/internal/evaluation"
	"github.com/notegrade/notegrade/internal/pkg/security"
	"github.com/notegrade/notegrade/internal/similarity"
)

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a candidate note against a reference draft",
		Long: `Score computes sentence edit rate, word error rate, quality, improvement and the
recommended bucket for one candidate. Nothing is stored.

Texts are given inline or read from files. When --semantic is omitted the
similarity providers from the configuration supply it.

Examples:
  notegrade score --reference "Patient has diabetis." --candidate "Patient has diabetes."
  notegrade score --reference-file ref.txt --candidate-file cand.txt --semantic 0.8`,
		RunE: runScore,
	}

	cmd.Flags().String("reference", "", "reference draft text")
	cmd.Flags().String("candidate", "", "candidate note text")
	cmd.Flags().String("reference-file", "", "read the reference draft from a file")
	cmd.Flags().String("candidate-file", "", "read the candidate note from a file")
	cmd.Flags().Float64("semantic", 0, "semantic similarity in [0,1]; computed when omitted")

	return cmd
}

func runScore(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	reference, err := textArg(cmd, "reference")
	if err != nil {
		return err
	}
	candidate, err := textArg(cmd, "candidate")
	if err != nil {
		return err
	}
	if err := security.ValidateText("reference", reference); err != nil {
		return err
	}
	if err := security.ValidateText("candidate", candidate); err != nil {
		return err
	}

	engine, err := evaluation.NewEngine(evaluation.ConfigFrom(cfg).Engine)
	if err != nil {
		return err
	}

	var semantic float64
	if cmd.Flags().Changed("semantic") {
		semantic, _ = cmd.Flags().GetFloat64("semantic")
	} else {
		chain, err := similarity.New(cmd.Context(), cfg.Similarity, nil, nil, log)
		if err != nil {
			return err
		}
		defer chain.Close()

		semantic, err = chain.Similarity(cmd.Context(), reference, candidate)
		if err != nil {
			return err
		}
		log.Debug("Computed semantic similarity", "providers", chain.Name(), "score", semantic)
	}

	scores, err := engine.Score(reference, candidate, semantic)
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), scores)
	}
	return renderScores(cmd.OutOrStdout(), scores)
}

// textArg returns the inline flag value or the contents of its -file variant.
func textArg(cmd *cobra.Command, name string) (string, error) {
	inline, _ := cmd.Flags().GetString(name)
	path, _ := cmd.Flags().GetString(name + "-file")

	switch {
	case inline != "" && path != "":
		return "", fmt.Errorf("use only one of --%s and --%s-file", name, name)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", name, err)
		}
		return string(data), nil
	default:
		// An empty reference is allowed and scores as degenerate.
		return inline, nil
	}
}

func renderScores(w io.Writer, s evaluation.Scores) error {
	table := createStandardTable([]string{"Metric", "Value"}, w)

	rows := [][]string{
		{"Reference words", strconv.Itoa(s.ReferenceWordCount)},
		{"Candidate words", strconv.Itoa(s.CandidateWordCount)},
		{"Expansion ratio", formatFloat(s.ExpansionRatio)},
		{"Sentence edit rate", formatFloat(s.SentenceEditRate)},
		{"Word error rate", formatFloat(s.WordErrorRate)},
		{"Word edits (S/I/D)", fmt.Sprintf("%d/%d/%d", s.WordEdits.Substitutions, s.WordEdits.Insertions, s.WordEdits.Deletions)},
		{"Semantic similarity", formatFloat(s.SemanticSimilarity)},
		{"Quality score", formatFloat(s.QualityScore)},
		{"Improvement score", formatFloat(s.ImprovementScore)},
		{"Recommended bucket", s.BucketRecommended.String()},
		{"Critical low quality", strconv.FormatBool(s.CriticalLowQuality)},
	}
	if s.Degenerate {
		rows = append(rows, []string{"Degenerate reference", "true"})
	}
	for _, row := range rows {
		_ = table.Append(row)
	}
	return table.Render()
}
