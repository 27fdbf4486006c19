package session

import (
	"strings"
	"testing"
	"time"

	"github.com/foxseedlab/monshin/internal/repository"
	"github.com/foxseedlab/monshin/internal/webhook"
)

func testSummary(t *testing.T) (Summary, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	startedAt := time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC)
	return Summary{
		CaptureSessionID: "capture-1",
		ConsultationID:   "consultation-1",
		StreamTag:        "local",
		StartedAt:        startedAt,
		EndedAt:          startedAt.Add(95 * time.Second),
		StopReason:       StopReasonManual,
		SegmentCount:     3,
		SegmentsSent:     2,
		SegmentsSkipped:  1,
	}, loc
}

func TestBuildTranscriptText(t *testing.T) {
	summary, loc := testSummary(t)
	transcripts := []repository.TranscriptSegment{
		{SequenceNumber: 7, StreamTag: "remote", Content: "ありがとうございました"},
		{SequenceNumber: 1, StreamTag: "local", Content: "熱はありますか"},
		{SequenceNumber: 1, StreamTag: "local", Content: "   "},
	}

	body := buildTranscriptText(summary, "Asia/Tokyo", loc, transcripts)

	if !strings.Contains(body, "診察ID：consultation-1") {
		t.Fatalf("consultation header not found in body: %s", body)
	}
	if !strings.Contains(body, "録音期間：2026-10-19 10:00:00 ~ 2026-10-19 10:01:35（Asia/Tokyo）") {
		t.Fatalf("period line not found in body: %s", body)
	}
	first := strings.Index(body, "00:00:10 [local] 熱はありますか")
	second := strings.Index(body, "00:01:10 [remote] ありがとうございました")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("segment lines missing or out of order: %s", body)
	}
	if strings.Count(body, "[local]") != 1 {
		t.Fatalf("blank transcripts must be dropped: %s", body)
	}
}

func TestBuildTranscriptText_EmptyWithoutTranscripts(t *testing.T) {
	summary, loc := testSummary(t)
	if body := buildTranscriptText(summary, "Asia/Tokyo", loc, nil); body != "" {
		t.Fatalf("expected empty transcript, got %q", body)
	}
}

func TestBuildCaptureSummaryPayload(t *testing.T) {
	summary, loc := testSummary(t)
	settled := summary.StartedAt.Add(12 * time.Second)
	attempts := []repository.SegmentAttempt{
		{SequenceNumber: 2, StreamTag: "local", Outcome: "skipped", Bytes: 100, SettledAt: settled},
		{SequenceNumber: 0, StreamTag: "local", Outcome: "sent", Bytes: 32000, SettledAt: settled},
		{SequenceNumber: 1, StreamTag: "local", Outcome: "sent", Bytes: 32000, SettledAt: settled},
	}
	transcripts := []repository.TranscriptSegment{
		{SequenceNumber: 1, StreamTag: "local", Content: "second"},
		{SequenceNumber: 0, StreamTag: "local", Content: "first"},
	}

	payload := buildCaptureSummaryPayload(summary, "Asia/Tokyo", loc, attempts, transcripts)

	if payload.SchemaVersion != webhook.CaptureSummarySchemaVersion {
		t.Fatalf("unexpected schema_version: %s", payload.SchemaVersion)
	}
	if payload.StartAt != "2026-10-19T10:00:00+09:00" || payload.EndAt != "2026-10-19T10:01:35+09:00" {
		t.Fatalf("unexpected period: %s ~ %s", payload.StartAt, payload.EndAt)
	}
	if payload.DurationSeconds != 95 {
		t.Fatalf("unexpected duration: %d", payload.DurationSeconds)
	}
	if payload.SegmentCount != 3 || payload.SegmentsSent != 2 || payload.SegmentsSkipped != 1 {
		t.Fatalf("unexpected counters: %+v", payload)
	}
	for i, seg := range payload.Segments {
		if seg.SequenceNumber != i {
			t.Fatalf("segments must be ordered by sequence number: %+v", payload.Segments)
		}
	}
	if payload.Segments[0].SettledAt != "2026-10-19T10:00:12+09:00" {
		t.Fatalf("unexpected settled_at: %s", payload.Segments[0].SettledAt)
	}
	if len(payload.TranscriptSegments) != 2 || payload.TranscriptSegments[0].Text != "first" {
		t.Fatalf("unexpected transcript segments: %+v", payload.TranscriptSegments)
	}
	if !strings.Contains(payload.Transcript, "00:00:00 [local] first") {
		t.Fatalf("unexpected transcript: %s", payload.Transcript)
	}
}

func TestBuildCaptureSummaryPayload_NegativeDurationIsZero(t *testing.T) {
	summary, loc := testSummary(t)
	summary.EndedAt = summary.StartedAt.Add(-time.Second)

	payload := buildCaptureSummaryPayload(summary, "Asia/Tokyo", loc, nil, nil)
	if payload.DurationSeconds != 0 {
		t.Fatalf("expected zero duration, got %d", payload.DurationSeconds)
	}
	if payload.Transcript != "" || payload.TranscriptSegments != nil {
		t.Fatalf("expected no transcript without stored text: %+v", payload)
	}
}

func TestFormatElapsedHMS(t *testing.T) {
	if got := formatElapsedHMS(3*time.Hour + 4*time.Minute + 5*time.Second); got != "03:04:05" {
		t.Fatalf("unexpected elapsed format: %s", got)
	}
}

func TestSafeLocation(t *testing.T) {
	if safeLocation(nil) != time.UTC {
		t.Fatal("nil location must fall back to UTC")
	}
}
