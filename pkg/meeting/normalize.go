package meeting

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
)

// pick is one entry of an alias chain: the wire name of a field and how to
// read it from a raw record.
type pick[T any] struct {
	field string
	read  func(RawRecord) (T, bool)
}

// firstPresent returns the value of the first alias present in raw.
func firstPresent[T any](raw RawRecord, chain []pick[T]) (T, string, bool) {
	for _, p := range chain {
		if v, ok := p.read(raw); ok {
			return v, p.field, true
		}
	}
	var zero T
	return zero, "", false
}

type candidate[T any] struct {
	field string
	value T
}

// allPresent returns every alias present in raw, in preference order.
func allPresent[T any](raw RawRecord, chain []pick[T]) []candidate[T] {
	var out []candidate[T]
	for _, p := range chain {
		if v, ok := p.read(raw); ok {
			out = append(out, candidate[T]{field: p.field, value: v})
		}
	}
	return out
}

func text(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	v := strings.TrimSpace(*s)
	return v, v != ""
}

func number(n *FlexNumber) (float64, bool) {
	v, ok := n.Float()
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

func timestamp(t *FlexTime) (time.Time, bool) {
	if t == nil || t.IsZero() {
		return time.Time{}, false
	}
	return t.Time.UTC(), true
}

var minutesPattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*min`)

// minutes parses strings like "45 min" or "12.5 minutes" into seconds.
func minutes(n *FlexNumber) (float64, bool) {
	s, ok := n.Text()
	if !ok {
		return 0, false
	}
	m := minutesPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v * 60, true
}

var statusChain = []pick[string]{
	{"transcription_status", func(r RawRecord) (string, bool) { return text(r.TranscriptionStatus) }},
	{"transcript_status", func(r RawRecord) (string, bool) { return text(r.TranscriptStatus) }},
	{"status", func(r RawRecord) (string, bool) { return text(r.Status) }},
}

var titleChain = []pick[string]{
	{"title", func(r RawRecord) (string, bool) { return text(r.Title) }},
	{"name", func(r RawRecord) (string, bool) { return text(r.Name) }},
}

var createdChain = []pick[time.Time]{
	{"created_at", func(r RawRecord) (time.Time, bool) { return timestamp(r.CreatedAt) }},
	{"uploaded_at", func(r RawRecord) (time.Time, bool) { return timestamp(r.UploadedAt) }},
}

var durationChain = []pick[float64]{
	{"duration_seconds", func(r RawRecord) (float64, bool) { return number(r.DurationSeconds) }},
	{"audio_duration", func(r RawRecord) (float64, bool) { return number(r.AudioDuration) }},
	{"duration", func(r RawRecord) (float64, bool) { return number(r.Duration) }},
	{"duration", func(r RawRecord) (float64, bool) { return minutes(r.Duration) }},
}

var speakerChain = []pick[int]{
	{"speaker_count", func(r RawRecord) (int, bool) { return count(r.SpeakerCount) }},
	{"speakers_count", func(r RawRecord) (int, bool) { return count(r.SpeakersCount) }},
	{"participants", func(r RawRecord) (int, bool) {
		if r.Participants == nil {
			return 0, false
		}
		return r.Participants.Count(), true
	}},
}

var transcriptChain = []pick[string]{
	{"transcript_text", func(r RawRecord) (string, bool) { return text(r.TranscriptText) }},
	{"transcript", func(r RawRecord) (string, bool) { return text(r.Transcript) }},
	{"text", func(r RawRecord) (string, bool) { return text(r.Text) }},
}

var utteranceChain = []pick[[]RawUtterance]{
	{"utterances", func(r RawRecord) ([]RawUtterance, bool) { return r.Utterances, len(r.Utterances) > 0 }},
	{"segments", func(r RawRecord) ([]RawUtterance, bool) { return r.Segments, len(r.Segments) > 0 }},
}

var errorChain = []pick[string]{
	{"error_message", func(r RawRecord) (string, bool) { return text(r.ErrorMessage) }},
	{"error", func(r RawRecord) (string, bool) { return text(r.Error) }},
}

func count(n *FlexNumber) (int, bool) {
	v, ok := number(n)
	if !ok {
		return 0, false
	}
	return int(math.Round(v)), true
}

// statusAliases maps every status spelling the service has used onto the
// canonical set.
var statusAliases = map[string]Status{
	"pending":      StatusPending,
	"queued":       StatusPending,
	"uploaded":     StatusPending,
	"processing":   StatusProcessing,
	"in_progress":  StatusProcessing,
	"transcribing": StatusProcessing,
	"completed":    StatusCompleted,
	"done":         StatusCompleted,
	"success":      StatusCompleted,
	"error":        StatusError,
	"failed":       StatusError,
	"failure":      StatusError,
	"deleted":      StatusDeleted,
}

// ParseStatus maps a wire status onto a canonical Status.
func ParseStatus(s string) (Status, bool) {
	st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

// Normalizer converts raw records into canonical ones. Inconsistencies it
// resolves on the way are reported to its logger.
type Normalizer struct {
	logger logging.Logger
}

// NewNormalizer returns a Normalizer that reports conflicts to logger.
func NewNormalizer(logger logging.Logger) *Normalizer {
	return &Normalizer{logger: logging.OrNop(logger)}
}

var defaultNormalizer = NewNormalizer(nil)

// Normalize normalizes raw without logging.
func Normalize(raw RawRecord) (Record, error) {
	return defaultNormalizer.Normalize(raw)
}

// Normalize builds the canonical record for raw. It fails only when the
// record has no id.
func (n *Normalizer) Normalize(raw RawRecord) (Record, error) {
	id := strings.TrimSpace(string(raw.ID))
	if id == "" {
		return Record{}, fmt.Errorf("meeting record without id: %w", scerrors.ErrValidation)
	}
	log := n.logger.With(logging.F("meeting_id", id))
	if len(raw.Malformed) > 0 {
		log.Warn("Ignoring malformed fields", logging.F("fields", strings.Join(raw.Malformed, ", ")))
	}

	rec := Record{
		ID:     id,
		Status: n.status(raw, log),
	}

	if title, _, ok := firstPresent(raw, titleChain); ok {
		rec.Title = norm.NFC.String(title)
	} else {
		rec.Title = placeholderTitle(id)
	}
	if created, _, ok := firstPresent(raw, createdChain); ok {
		rec.CreatedAt = created
	}
	if secs, _, ok := firstPresent(raw, durationChain); ok {
		rec.DurationSeconds = &secs
	} else if s, ok := raw.Duration.Text(); ok {
		log.Debug("Unrecognized duration value", logging.F("duration", s))
	}
	if speakers, _, ok := firstPresent(raw, speakerChain); ok {
		rec.SpeakerCount = &speakers
	}

	switch rec.Status {
	case StatusCompleted:
		rec.TranscriptText, _, _ = firstPresent(raw, transcriptChain)
		if raws, _, ok := firstPresent(raw, utteranceChain); ok {
			rec.Utterances = make([]Utterance, 0, len(raws))
			for _, u := range raws {
				start, end := u.offsets()
				rec.Utterances = append(rec.Utterances, Utterance{
					Speaker: string(u.Speaker),
					Text:    strings.TrimSpace(u.Text),
					StartMs: start,
					EndMs:   end,
				})
			}
		}
	case StatusError:
		rec.ErrorMessage, _, _ = firstPresent(raw, errorChain)
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = DefaultErrorMessage
		}
	case StatusDeleted:
		rec.ErrorMessage, _, _ = firstPresent(raw, errorChain)
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = DeletedMessage
		}
	}

	return rec, nil
}

// status resolves the status aliases. When they disagree the furthest along
// wins, ties going to the preferred alias.
func (n *Normalizer) status(raw RawRecord, log logging.Logger) Status {
	var (
		result    Status
		fromField string
		seen      []string
	)
	for _, c := range allPresent(raw, statusChain) {
		st, ok := ParseStatus(c.value)
		if !ok {
			log.Warn("Ignoring unknown status value",
				logging.F("field", c.field), logging.F("value", c.value))
			continue
		}
		seen = append(seen, c.field+"="+c.value)
		if result == "" {
			result, fromField = st, c.field
			continue
		}
		if st != result {
			log.Warn("Conflicting status fields",
				logging.F("fields", strings.Join(seen, ", ")))
			if st.rank() > result.rank() {
				result, fromField = st, c.field
			}
		}
	}
	if result == "" {
		return StatusPending
	}
	log.Debug("Resolved status", logging.F("field", fromField), logging.F("status", string(result)))
	return result
}
