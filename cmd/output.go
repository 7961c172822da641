package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/scribe-cli/config"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
)

// outputFormat resolves the -o flag against the configured default.
func outputFormat(cfg *config.CLIConfig, flag string) (config.OutputFormat, error) {
	if flag == "" {
		return cfg.OutputFormat, nil
	}
	format := config.OutputFormat(flag)
	if !format.IsValid() {
		return "", fmt.Errorf("invalid output format: %s", flag)
	}
	return format, nil
}

// writeStructured writes v as JSON or YAML. It reports false for text
// output, which the caller renders itself.
func writeStructured(w io.Writer, format config.OutputFormat, v interface{}) (bool, error) {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

func writeMeetingTable(w io.Writer, recs []meeting.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No meetings found.")
		return
	}

	fmt.Fprintf(w, "Meetings (%d):\n\n", len(recs))
	fmt.Fprintf(w, "  %-36s  %-10s  %-16s  %-8s  %s\n", "ID", "STATUS", "CREATED", "LENGTH", "TITLE")
	for _, r := range recs {
		fmt.Fprintf(w, "  %-36s  %-10s  %-16s  %-8s  %s\n",
			r.ID, r.Status, formatTime(r.CreatedAt), formatDuration(r.DurationSeconds), truncate(r.Title, 45))
	}
}

func writeMeetingDetails(w io.Writer, r meeting.Record) {
	fmt.Fprintf(w, "Meeting: %s\n", r.Title)
	fmt.Fprintf(w, "  ID:       %s\n", r.ID)
	fmt.Fprintf(w, "  Status:   %s\n", r.Status)
	if !r.CreatedAt.IsZero() {
		fmt.Fprintf(w, "  Created:  %s\n", r.CreatedAt.Local().Format(time.RFC1123))
	}
	if r.DurationSeconds != nil {
		fmt.Fprintf(w, "  Length:   %s\n", formatDuration(r.DurationSeconds))
	}
	if r.SpeakerCount != nil {
		fmt.Fprintf(w, "  Speakers: %d\n", *r.SpeakerCount)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error:    %s\n", r.ErrorMessage)
	}
	if r.HasTranscript() {
		fmt.Fprintf(w, "\nTranscript available: scribe meeting transcript %s\n", r.ID)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatDuration(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	d := time.Duration(*seconds * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// formatOffset renders a millisecond offset as m:ss.
func formatOffset(ms int64) string {
	secs := ms / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
