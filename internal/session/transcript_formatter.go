package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/foxseedlab/monshin/internal/capture"
	"github.com/foxseedlab/monshin/internal/repository"
	"github.com/foxseedlab/monshin/internal/webhook"
)

// Kept explicit instead of time.DateTime so the layout can change independently.
const transcriptTimeLayout = "2006-01-02 15:04:05"

// buildTranscriptText renders stored transcripts as one line per segment,
// prefixed with the segment's offset from the start of the capture.
func buildTranscriptText(summary Summary, timezone string, loc *time.Location, transcripts []repository.TranscriptSegment) string {
	if len(transcripts) == 0 {
		return ""
	}
	loc = safeLocation(loc)
	lines := []string{
		fmt.Sprintf(transcriptHeaderFormat, summary.ConsultationID),
		fmt.Sprintf(transcriptPeriodFormat, summary.StartedAt.In(loc).Format(transcriptTimeLayout), summary.EndedAt.In(loc).Format(transcriptTimeLayout), timezone),
		stopReasonDetail(summary.StopReason),
		"",
	}
	for _, seg := range sortedTranscripts(transcripts) {
		elapsed := time.Duration(seg.SequenceNumber) * capture.DefaultSegmentDuration
		lines = append(lines, fmt.Sprintf("%s [%s] %s", formatElapsedHMS(elapsed), seg.StreamTag, seg.Content))
	}
	return strings.Join(lines, "\n")
}

func buildCaptureSummaryPayload(summary Summary, timezone string, loc *time.Location, attempts []repository.SegmentAttempt, transcripts []repository.TranscriptSegment) webhook.CaptureSummaryPayload {
	loc = safeLocation(loc)
	durationSeconds := int64(summary.EndedAt.Sub(summary.StartedAt).Seconds())
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	segments := make([]webhook.CaptureSummarySegment, 0, len(attempts))
	for _, a := range attempts {
		segments = append(segments, webhook.CaptureSummarySegment{
			SequenceNumber: a.SequenceNumber,
			StreamTag:      a.StreamTag,
			Outcome:        a.Outcome,
			Bytes:          a.Bytes,
			Error:          a.Error,
			SettledAt:      a.SettledAt.In(loc).Format(time.RFC3339),
		})
	}
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].SequenceNumber != segments[j].SequenceNumber {
			return segments[i].SequenceNumber < segments[j].SequenceNumber
		}
		return segments[i].StreamTag < segments[j].StreamTag
	})

	sorted := sortedTranscripts(transcripts)
	var texts []webhook.CaptureSummaryTranscript
	for _, seg := range sorted {
		texts = append(texts, webhook.CaptureSummaryTranscript{
			SequenceNumber: seg.SequenceNumber,
			StreamTag:      seg.StreamTag,
			Text:           seg.Content,
		})
	}

	return webhook.CaptureSummaryPayload{
		SchemaVersion:      webhook.CaptureSummarySchemaVersion,
		CaptureSessionID:   summary.CaptureSessionID,
		ConsultationID:     summary.ConsultationID,
		StreamTag:          summary.StreamTag,
		StartAt:            summary.StartedAt.In(loc).Format(time.RFC3339),
		EndAt:              summary.EndedAt.In(loc).Format(time.RFC3339),
		Timezone:           timezone,
		DurationSeconds:    durationSeconds,
		StopReason:         summary.StopReason,
		SegmentCount:       summary.SegmentCount,
		SegmentsSent:       summary.SegmentsSent,
		SegmentsFailed:     summary.SegmentsFailed,
		SegmentsSkipped:    summary.SegmentsSkipped,
		LastError:          summary.LastError,
		Segments:           segments,
		TranscriptSegments: texts,
		Transcript:         buildTranscriptText(summary, timezone, loc, sorted),
	}
}

func sortedTranscripts(transcripts []repository.TranscriptSegment) []repository.TranscriptSegment {
	out := make([]repository.TranscriptSegment, 0, len(transcripts))
	for _, seg := range transcripts {
		if strings.TrimSpace(seg.Content) == "" {
			continue
		}
		out = append(out, seg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SequenceNumber != out[j].SequenceNumber {
			return out[i].SequenceNumber < out[j].SequenceNumber
		}
		return out[i].StreamTag < out[j].StreamTag
	})
	return out
}

func formatElapsedHMS(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
