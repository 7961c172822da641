package meeting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RawRecord is a meeting as the service sends it. Every field is optional;
// several describe the same thing under different historical names.
type RawRecord struct {
	ID FlexString `json:"id"`

	TranscriptionStatus *string `json:"transcription_status,omitempty"`
	TranscriptStatus    *string `json:"transcript_status,omitempty"`
	Status              *string `json:"status,omitempty"`

	Title *string `json:"title,omitempty"`
	Name  *string `json:"name,omitempty"`

	CreatedAt  *FlexTime `json:"created_at,omitempty"`
	UploadedAt *FlexTime `json:"uploaded_at,omitempty"`

	DurationSeconds *FlexNumber `json:"duration_seconds,omitempty"`
	AudioDuration   *FlexNumber `json:"audio_duration,omitempty"`
	Duration        *FlexNumber `json:"duration,omitempty"`

	SpeakerCount  *FlexNumber `json:"speaker_count,omitempty"`
	SpeakersCount *FlexNumber `json:"speakers_count,omitempty"`
	Participants  *FlexCount  `json:"participants,omitempty"`

	TranscriptText *string        `json:"transcript_text,omitempty"`
	Transcript     *string        `json:"transcript,omitempty"`
	Text           *string        `json:"text,omitempty"`
	Utterances     []RawUtterance `json:"utterances,omitempty"`
	Segments       []RawUtterance `json:"segments,omitempty"`

	ErrorMessage *string `json:"error_message,omitempty"`
	Error        *string `json:"error,omitempty"`

	// Malformed lists the fields that were present with a value of the
	// wrong shape and were dropped while decoding.
	Malformed []string `json:"-"`
}

// UnmarshalJSON decodes an object leniently. A field whose value cannot be
// decoded is treated as absent and recorded in Malformed. Only input that is
// not a JSON object is an error.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	type plain RawRecord
	var p plain
	err := json.Unmarshal(data, &p)
	if err == nil {
		*r = RawRecord(p)
		return nil
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) != nil {
		return err
	}
	var dropped []string
	for name, value := range fields {
		single, merr := json.Marshal(map[string]json.RawMessage{name: value})
		if merr != nil {
			return merr
		}
		var one plain
		if json.Unmarshal(single, &one) != nil {
			delete(fields, name)
			dropped = append(dropped, name)
		}
	}
	cleaned, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	p = plain{}
	if err := json.Unmarshal(cleaned, &p); err != nil {
		return err
	}
	sort.Strings(dropped)
	p.Malformed = dropped
	*r = RawRecord(p)
	return nil
}

// RawUtterance accepts either millisecond offsets or second offsets.
type RawUtterance struct {
	Speaker FlexString `json:"speaker"`
	Text    string     `json:"text"`
	StartMs *float64   `json:"start_ms,omitempty"`
	EndMs   *float64   `json:"end_ms,omitempty"`
	Start   *float64   `json:"start,omitempty"`
	End     *float64   `json:"end,omitempty"`
}

func (u RawUtterance) offsets() (int64, int64) {
	ms := func(millis, seconds *float64) int64 {
		switch {
		case millis != nil:
			return int64(*millis)
		case seconds != nil:
			return int64(*seconds * 1000)
		}
		return 0
	}
	return ms(u.StartMs, u.Start), ms(u.EndMs, u.End)
}

// FlexString decodes a JSON string or number into a string.
// Identifiers and speaker labels arrive as either.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = FlexString(num.String())
	return nil
}

// FlexNumber decodes a JSON number or string. Strings are kept verbatim so
// the normalizer can recognize patterns like "45 min".
type FlexNumber struct {
	num    float64
	text   string
	isText bool
}

// NumberValue returns a FlexNumber holding n.
func NumberValue(n float64) *FlexNumber {
	return &FlexNumber{num: n}
}

// TextValue returns a FlexNumber holding the string s.
func TextValue(s string) *FlexNumber {
	return &FlexNumber{text: s, isText: true}
}

// Float returns the numeric value when the JSON was a number.
func (n *FlexNumber) Float() (float64, bool) {
	if n == nil || n.isText {
		return 0, false
	}
	return n.num, true
}

// Text returns the string value when the JSON was a string.
func (n *FlexNumber) Text() (string, bool) {
	if n == nil || !n.isText {
		return "", false
	}
	return n.text, true
}

func (n *FlexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*n = FlexNumber{text: str, isText: true}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("expected number or string, got %s", data)
	}
	*n = FlexNumber{num: f}
	return nil
}

func (n FlexNumber) MarshalJSON() ([]byte, error) {
	if n.isText {
		return json.Marshal(n.text)
	}
	return json.Marshal(n.num)
}

// FlexCount decodes either a count or a list whose length is the count.
type FlexCount struct {
	n int
}

// Count returns the decoded count.
func (c *FlexCount) Count() int {
	if c == nil {
		return 0
	}
	return c.n
}

func (c *FlexCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		c.n = len(items)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("expected number or list, got %s", data)
	}
	c.n = int(f)
	return nil
}

// FlexTime decodes RFC 3339 timestamps, timestamps without a zone (read as
// UTC) and unix seconds.
type FlexTime struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		secs, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", data)
		}
		t.Time = time.Unix(0, int64(secs*float64(time.Second))).UTC()
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	str = strings.TrimSpace(str)
	if str == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, str); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", str)
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}
