package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/notegrade/notegrade/internal/bus"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events from the bus event log",
		RunE:  runEvents,
	}
	cmd.Flags().Duration("since", 24*time.Hour, "show events newer than this")
	cmd.Flags().Int("limit", 50, "maximum number of events (0 = all)")
	cmd.Flags().String("log", "", "event log path (defaults to bus.event_log)")
	cmd.Flags().String("topic", "", "only show events on this topic")
	cmd.Flags().String("speaker", "", "only show events for this speaker")
	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("log")
	if path == "" {
		path = cfg.Bus.EventLogPath
	}
	if path == "" {
		return fmt.Errorf("no event log configured; set bus.event_log or pass --log")
	}
	since, _ := cmd.Flags().GetDuration("since")
	filter := bus.EventFilter{Since: time.Now().Add(-since)}
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	filter.Topic, _ = cmd.Flags().GetString("topic")
	filter.SpeakerID, _ = cmd.Flags().GetString("speaker")

	eventLog, err := bus.NewEventLogger(path, true)
	if err != nil {
		return err
	}
	defer func() { _ = eventLog.Close() }()

	events, err := eventLog.Events(filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, events)
	}
	return renderEvents(out, events)
}

func renderEvents(w io.Writer, events []bus.LoggedEvent) error {
	table := createStandardTable([]string{"Time", "Topic", "Type", "Summary"}, w)
	for _, le := range events {
		_ = table.Append([]string{
			le.Timestamp.Format(time.RFC3339),
			le.Topic,
			string(le.Event.Type),
			summarize(le.Event),
		})
	}
	return table.Render()
}

func summarize(e bus.Event) string {
	p, err := bus.Decode(e)
	if err != nil {
		return "undecodable: " + err.Error()
	}
	switch v := p.(type) {
	case bus.EvaluationRequested:
		return fmt.Sprintf("speaker=%s candidate=%s", v.SpeakerID, v.CandidateID)
	case bus.EvaluationCompleted:
		s := fmt.Sprintf("speaker=%s candidate=%s quality=%.3f bucket=%s", v.SpeakerID, v.CandidateID, v.QualityScore, v.BucketRecommended)
		if v.AlreadyEvaluated {
			s += " (duplicate)"
		}
		return s
	case bus.EvaluationFailed:
		return fmt.Sprintf("speaker=%s candidate=%s %s", v.SpeakerID, v.CandidateID, v.Code)
	case bus.BucketChanged:
		return fmt.Sprintf("speaker=%s %s->%s %s", v.SpeakerID, v.From, v.To, v.Direction)
	case bus.QualityAlert:
		return fmt.Sprintf("speaker=%s quality=%.3f < %.2f", v.SpeakerID, v.QualityScore, v.Threshold)
	case bus.SimilarityRequested:
		return fmt.Sprintf("texts=%d/%d chars", len(v.TextA), len(v.TextB))
	case bus.SimilarityComputed:
		if v.Error != "" {
			return "error: " + v.Error
		}
		return fmt.Sprintf("score=%.3f", v.Score)
	default:
		return ""
	}
}
