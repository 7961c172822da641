// Package meeting defines the canonical meeting record and the normalizer
// that builds it from the loosely shaped JSON the transcription service
// returns. Over its lifetime the service has renamed most fields
// (transcript_status vs transcription_status, title vs name, three
// spellings of the audio duration), so every field is resolved through an
// ordered list of aliases.
package meeting

import (
	"time"
)

// Status is the canonical lifecycle state of a transcription job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusDeleted    Status = "deleted"
)

// DefaultErrorMessage is used when the service reports a failure without saying why.
const DefaultErrorMessage = "transcription failed"

// DeletedMessage is the error message carried by synthesized deleted records.
const DeletedMessage = "meeting no longer exists on the server"

// rank orders statuses along pending -> processing -> {completed, error}.
// deleted sits above everything because it is reachable from any state.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusError:
		return 2
	case StatusDeleted:
		return 3
	}
	return -1
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether no further polling is useful.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusDeleted
}

// CanTransition reports whether moving from s to next respects the lifecycle
// order. Repeating the current status is allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if next == StatusDeleted {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

func (s Status) String() string {
	return string(s)
}

// Utterance is one speaker-labelled segment of a transcript.
type Utterance struct {
	Speaker string `json:"speaker" yaml:"speaker"`
	Text    string `json:"text" yaml:"text"`
	StartMs int64  `json:"start_ms" yaml:"start_ms"`
	EndMs   int64  `json:"end_ms" yaml:"end_ms"`
}

// Record is the canonical, normalized view of a meeting.
//
// The JSON field names are the preferred aliases of RawRecord, so a cached
// Record decodes back into a RawRecord and normalizes to itself.
type Record struct {
	ID              string      `json:"id" yaml:"id"`
	Title           string      `json:"title" yaml:"title"`
	Status          Status      `json:"status" yaml:"status"`
	CreatedAt       time.Time   `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	DurationSeconds *float64    `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	SpeakerCount    *int        `json:"speaker_count,omitempty" yaml:"speaker_count,omitempty"`
	TranscriptText  string      `json:"transcript_text,omitempty" yaml:"transcript_text,omitempty"`
	Utterances      []Utterance `json:"utterances,omitempty" yaml:"utterances,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// HasTranscript reports whether the record carries any transcript content.
func (r Record) HasTranscript() bool {
	return r.TranscriptText != "" || len(r.Utterances) > 0
}

// Raw converts the record back into its raw form using the preferred alias
// of every field.
func (r Record) Raw() RawRecord {
	raw := RawRecord{ID: FlexString(r.ID)}
	status := string(r.Status)
	raw.TranscriptionStatus = &status
	if r.Title != "" {
		title := r.Title
		raw.Title = &title
	}
	if !r.CreatedAt.IsZero() {
		created := FlexTime{Time: r.CreatedAt}
		raw.CreatedAt = &created
	}
	if r.DurationSeconds != nil {
		raw.DurationSeconds = NumberValue(*r.DurationSeconds)
	}
	if r.SpeakerCount != nil {
		raw.SpeakerCount = NumberValue(float64(*r.SpeakerCount))
	}
	if r.TranscriptText != "" {
		text := r.TranscriptText
		raw.TranscriptText = &text
	}
	for _, u := range r.Utterances {
		start, end := float64(u.StartMs), float64(u.EndMs)
		raw.Utterances = append(raw.Utterances, RawUtterance{
			Speaker: FlexString(u.Speaker),
			Text:    u.Text,
			StartMs: &start,
			EndMs:   &end,
		})
	}
	if r.ErrorMessage != "" {
		msg := r.ErrorMessage
		raw.ErrorMessage = &msg
	}
	return raw
}

// DeletedRecord synthesizes the record returned for a meeting the service no
// longer knows about. Descriptive fields of prev are kept when available.
func DeletedRecord(id string, prev *Record) Record {
	rec := Record{
		ID:           id,
		Title:        placeholderTitle(id),
		Status:       StatusDeleted,
		ErrorMessage: DeletedMessage,
	}
	if prev != nil {
		if prev.Title != "" {
			rec.Title = prev.Title
		}
		rec.CreatedAt = prev.CreatedAt
		rec.DurationSeconds = prev.DurationSeconds
		rec.SpeakerCount = prev.SpeakerCount
	}
	return rec
}

func placeholderTitle(id string) string {
	if r := []rune(id); len(r) > 8 {
		id = string(r[:8])
	}
	return "Meeting " + id
}
