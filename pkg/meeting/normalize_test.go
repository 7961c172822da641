package meeting

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
)

func decode(t *testing.T, body string) RawRecord {
	t.Helper()
	var raw RawRecord
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	return raw
}

func mustNormalize(t *testing.T, body string) Record {
	t.Helper()
	rec, err := Normalize(decode(t, body))
	require.NoError(t, err)
	return rec
}

func TestNormalize_MissingID(t *testing.T) {
	for _, body := range []string{`{}`, `{"id": ""}`, `{"id": null, "title": "x"}`, `{"id": "   "}`} {
		_, err := Normalize(decode(t, body))
		require.Error(t, err, body)
		assert.True(t, scerrors.IsValidation(err), body)
	}
}

func TestNormalize_NumericID(t *testing.T) {
	rec := mustNormalize(t, `{"id": 12345}`)
	assert.Equal(t, "12345", rec.ID)
}

func TestNormalize_StatusField(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Status
	}{
		{"transcription_status only", `{"id":"a","transcription_status":"completed"}`, StatusCompleted},
		{"transcript_status only", `{"id":"a","transcript_status":"processing"}`, StatusProcessing},
		{"status only", `{"id":"a","status":"error","error_message":"bad audio"}`, StatusError},
		{"agreeing fields", `{"id":"a","transcription_status":"completed","transcript_status":"completed"}`, StatusCompleted},
		{"absent", `{"id":"a"}`, StatusPending},
		{"alias queued", `{"id":"a","status":"queued"}`, StatusPending},
		{"alias in_progress", `{"id":"a","status":"in_progress"}`, StatusProcessing},
		{"alias done", `{"id":"a","status":"done"}`, StatusCompleted},
		{"alias failed", `{"id":"a","status":"failed"}`, StatusError},
		{"upper case", `{"id":"a","status":"COMPLETED"}`, StatusCompleted},
		{"unknown value", `{"id":"a","status":"exploded"}`, StatusPending},
		{"unknown falls through", `{"id":"a","transcription_status":"exploded","status":"processing"}`, StatusProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustNormalize(t, tt.body).Status)
		})
	}
}

func TestNormalize_StatusConflictIsLogged(t *testing.T) {
	buf := &bytes.Buffer{}
	n := NewNormalizer(logging.NewLogger(&logging.Config{
		Level:      logging.LevelWarn,
		JSONFormat: true,
		Output:     buf,
	}))

	raw := decode(t, `{"id":"abc","transcription_status":"processing","transcript_status":"completed"}`)
	rec, err := n.Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, rec.Status, "furthest-along status wins")
	assert.Contains(t, buf.String(), "Conflicting status fields")
	assert.Contains(t, buf.String(), "transcription_status=processing")
	assert.Contains(t, buf.String(), "transcript_status=completed")

	// Deterministic regardless of which alias carries which value.
	swapped, err := n.Normalize(decode(t, `{"id":"abc","transcription_status":"completed","transcript_status":"processing"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, swapped.Status)
}

func TestNormalize_StatusConflictTieUsesPreferredField(t *testing.T) {
	rec := mustNormalize(t, `{"id":"abc","transcription_status":"error","transcript_status":"completed"}`)
	assert.Equal(t, StatusError, rec.Status)
	assert.Equal(t, DefaultErrorMessage, rec.ErrorMessage)
}

func TestNormalize_Title(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"title", `{"id":"abcdef0123456789","title":"Standup","name":"Other"}`, "Standup"},
		{"name fallback", `{"id":"abcdef0123456789","name":"Retro"}`, "Retro"},
		{"blank title falls back", `{"id":"abcdef0123456789","title":"  ","name":"Retro"}`, "Retro"},
		{"placeholder", `{"id":"abcdef0123456789"}`, "Meeting abcdef01"},
		{"short id placeholder", `{"id":"abc"}`, "Meeting abc"},
		{"multibyte id placeholder", `{"id":"会議会議会議会議会議"}`, "Meeting 会議会議会議会議"},
		{"trimmed", `{"id":"a","title":"  Planning  "}`, "Planning"},
		{"nfc", "{\"id\":\"a\",\"title\":\"Café\"}", "Café"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustNormalize(t, tt.body).Title)
		})
	}
}

func TestNormalize_Duration(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *float64
	}{
		{"minutes string", `{"id":"a","duration":"45 min"}`, ptr(2700.0)},
		{"minutes long form", `{"id":"a","duration":"1.5 minutes"}`, ptr(90.0)},
		{"generic number", `{"id":"a","duration":30}`, ptr(30.0)},
		{"absent", `{"id":"a"}`, nil},
		{"unparseable string", `{"id":"a","duration":"about an hour"}`, nil},
		{"explicit seconds wins", `{"id":"a","duration_seconds":61,"audio_duration":99,"duration":"2 min"}`, ptr(61.0)},
		{"audio_duration before generic", `{"id":"a","audio_duration":99,"duration":5}`, ptr(99.0)},
		{"negative ignored", `{"id":"a","duration_seconds":-1,"duration":12}`, ptr(12.0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustNormalize(t, tt.body).DurationSeconds)
		})
	}
}

func TestNormalize_SpeakerCount(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *int
	}{
		{"speaker_count", `{"id":"a","speaker_count":3,"participants":7}`, ptr(3)},
		{"speakers_count", `{"id":"a","speakers_count":2}`, ptr(2)},
		{"participants number", `{"id":"a","participants":4}`, ptr(4)},
		{"participants list", `{"id":"a","participants":["ann","bo"]}`, ptr(2)},
		{"absent", `{"id":"a"}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustNormalize(t, tt.body).SpeakerCount)
		})
	}
}

func TestNormalize_CreatedAt(t *testing.T) {
	want := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	assert.Equal(t, want, mustNormalize(t, `{"id":"a","created_at":"2024-03-01T09:30:00Z"}`).CreatedAt)
	assert.Equal(t, want, mustNormalize(t, `{"id":"a","created_at":"2024-03-01T10:30:00+01:00"}`).CreatedAt)
	assert.Equal(t, want, mustNormalize(t, `{"id":"a","created_at":"2024-03-01T09:30:00"}`).CreatedAt)
	assert.Equal(t, want, mustNormalize(t, `{"id":"a","uploaded_at":"2024-03-01T09:30:00Z"}`).CreatedAt)
	assert.Equal(t, want, mustNormalize(t, `{"id":"a","created_at":1709285400}`).CreatedAt)
	assert.True(t, mustNormalize(t, `{"id":"a"}`).CreatedAt.IsZero())
}

func TestNormalize_TerminalExclusivity(t *testing.T) {
	t.Run("completed drops error", func(t *testing.T) {
		rec := mustNormalize(t, `{"id":"a","status":"completed","transcript":"hello","error":"stale"}`)
		assert.Equal(t, "hello", rec.TranscriptText)
		assert.Empty(t, rec.ErrorMessage)
	})

	t.Run("error drops transcript", func(t *testing.T) {
		rec := mustNormalize(t, `{"id":"a","status":"error","text":"partial","utterances":[{"speaker":"A","text":"hi"}]}`)
		assert.Empty(t, rec.TranscriptText)
		assert.Nil(t, rec.Utterances)
		assert.Equal(t, DefaultErrorMessage, rec.ErrorMessage)
	})

	t.Run("error keeps message", func(t *testing.T) {
		rec := mustNormalize(t, `{"id":"a","status":"failed","error":"unsupported codec"}`)
		assert.Equal(t, "unsupported codec", rec.ErrorMessage)
	})

	t.Run("processing carries neither", func(t *testing.T) {
		rec := mustNormalize(t, `{"id":"a","status":"processing","transcript_text":"early","error_message":"x"}`)
		assert.Empty(t, rec.TranscriptText)
		assert.Empty(t, rec.ErrorMessage)
	})

	t.Run("deleted carries only the error", func(t *testing.T) {
		rec := mustNormalize(t, `{"id":"a","status":"deleted","transcript_text":"old"}`)
		assert.Empty(t, rec.TranscriptText)
		assert.Equal(t, DeletedMessage, rec.ErrorMessage)
	})
}

func TestNormalize_Utterances(t *testing.T) {
	rec := mustNormalize(t, `{
		"id": "a",
		"status": "completed",
		"segments": [
			{"speaker": 0, "text": " hello ", "start": 0.5, "end": 1.25},
			{"speaker": "B", "text": "hi", "start_ms": 1300, "end_ms": 2000}
		]
	}`)

	require.Len(t, rec.Utterances, 2)
	assert.Equal(t, Utterance{Speaker: "0", Text: "hello", StartMs: 500, EndMs: 1250}, rec.Utterances[0])
	assert.Equal(t, Utterance{Speaker: "B", Text: "hi", StartMs: 1300, EndMs: 2000}, rec.Utterances[1])
}

func TestNormalize_MalformedFieldsAreAbsent(t *testing.T) {
	buf := &bytes.Buffer{}
	n := NewNormalizer(logging.NewLogger(&logging.Config{
		Level:      logging.LevelWarn,
		JSONFormat: true,
		Output:     buf,
	}))

	raw := decode(t, `{
		"id": "m1",
		"status": "completed",
		"title": "Sync",
		"participants": "Alice, Bob",
		"speaker_count": true,
		"duration_seconds": {"value": 30},
		"created_at": "last tuesday",
		"transcript": "hello"
	}`)
	assert.Equal(t, []string{"created_at", "duration_seconds", "participants", "speaker_count"}, raw.Malformed)

	rec, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "Sync", rec.Title)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "hello", rec.TranscriptText)
	assert.Nil(t, rec.SpeakerCount)
	assert.Nil(t, rec.DurationSeconds)
	assert.True(t, rec.CreatedAt.IsZero())
	assert.Contains(t, buf.String(), "Ignoring malformed fields")
	assert.Contains(t, buf.String(), "participants")

	// A good alias still wins over a malformed one.
	rec = mustNormalize(t, `{"id":"m2","speaker_count":"two","speakers_count":[1],"participants":["a","b","c"]}`)
	require.NotNil(t, rec.SpeakerCount)
	assert.Equal(t, 3, *rec.SpeakerCount)
}

func TestRawRecord_MalformedID(t *testing.T) {
	raw := decode(t, `{"id": {"uuid": "x"}, "title": "Orphan"}`)
	assert.Equal(t, []string{"id"}, raw.Malformed)

	_, err := Normalize(raw)
	assert.True(t, scerrors.IsValidation(err))

	var notObject RawRecord
	assert.Error(t, json.Unmarshal([]byte(`"m1"`), &notObject))
}

func TestNormalize_Idempotent(t *testing.T) {
	bodies := []string{
		`{"id":"abcdef0123456789"}`,
		`{"id":"a","name":" Retro ","transcript_status":"done","duration":"45 min","participants":["x","y"],"text":"hello","uploaded_at":"2024-03-01T09:30:00"}`,
		`{"id":"b","transcription_status":"processing","transcript_status":"failed","error":"boom"}`,
		`{"id":"c","status":"error","transcript":"dropped"}`,
		`{"id":"d","status":"completed","utterances":[{"speaker":1,"text":"hey","start":1,"end":2}]}`,
		`{"id":"e","status":"deleted","speaker_count":2.6}`,
		"{\"id\":\"f\",\"title\":\"Café\",\"duration_seconds\":12.5}",
		`{"id":"会議会議会議会議会議"}`,
	}

	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			once := mustNormalize(t, body)
			twice, err := Normalize(once.Raw())
			require.NoError(t, err)
			assert.Equal(t, once, twice)

			// A record persisted as JSON normalizes to itself as well.
			data, err := json.Marshal(once)
			require.NoError(t, err)
			assert.Equal(t, once, mustNormalize(t, string(data)))
		})
	}
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, true},
		{StatusProcessing, StatusError, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusError, false},
		{StatusError, StatusPending, false},
		{StatusCompleted, StatusDeleted, true},
		{StatusDeleted, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.True(t, StatusDeleted.IsTerminal())
	assert.False(t, Status("bogus").Valid())
}

func TestDeletedRecord(t *testing.T) {
	rec := DeletedRecord("abcdef0123", nil)
	assert.Equal(t, StatusDeleted, rec.Status)
	assert.Equal(t, "Meeting abcdef01", rec.Title)
	assert.NotEmpty(t, rec.ErrorMessage)

	prev := &Record{ID: "abcdef0123", Title: "Board review", Status: StatusCompleted, TranscriptText: "hi", DurationSeconds: ptr(10.0)}
	rec = DeletedRecord("abcdef0123", prev)
	assert.Equal(t, "Board review", rec.Title)
	assert.Equal(t, ptr(10.0), rec.DurationSeconds)
	assert.Empty(t, rec.TranscriptText)

	again, err := Normalize(rec.Raw())
	require.NoError(t, err)
	assert.Equal(t, rec, again)
}

func ptr[T any](v T) *T {
	return &v
}
