package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/scribe-cli/client"
	"github.com/otherjamesbrown/scribe-cli/config"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
	"github.com/otherjamesbrown/scribe-cli/pkg/observability"
	"github.com/otherjamesbrown/scribe-cli/pkg/transcription"
)

// NewMeetingCommand creates the root meeting command with all subcommands.
func NewMeetingCommand(deps *CommandDeps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Upload meetings and read their transcripts",
		Long: `Upload meeting recordings to the transcription service, follow their
transcription and read the results.

Meetings are cached locally. When the service cannot be reached, list and show
fall back to the cache and say so.

Examples:
  # List meetings, newest first
  scribe meeting list

  # Upload a recording and wait for the transcript
  scribe meeting upload standup.m4a --title "Standup" --wait

  # Read a transcript as JSON
  scribe meeting transcript <id> -o json`,
		Aliases: []string{"meetings"},
	}

	cmd.AddCommand(newMeetingListCommand(deps))
	cmd.AddCommand(newMeetingShowCommand(deps))
	cmd.AddCommand(newMeetingTranscriptCommand(deps))
	cmd.AddCommand(newMeetingUploadCommand(deps))
	cmd.AddCommand(newMeetingDeleteCommand(deps))
	cmd.AddCommand(newMeetingRetryCommand(deps))
	cmd.AddCommand(newMeetingWatchCommand(deps))
	cmd.AddCommand(newMeetingSyncCommand(deps))

	return cmd
}

// newMeetingListCommand creates the 'meeting list' subcommand.
func newMeetingListCommand(deps *CommandDeps) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List meetings",
		Long: `List meetings in reverse chronological order (most recent first).

When the service is unreachable, or you are not signed in, the cached meetings
are listed instead with a notice on stderr.

Examples:
  scribe meeting list
  scribe meeting list -o json`,
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeetingList(cmd.Context(), deps, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func runMeetingList(ctx context.Context, deps *CommandDeps, output string) error {
	app, err := deps.app(ctx, transcription.WireOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	format, err := outputFormat(app.Config, output)
	if err != nil {
		return err
	}

	list, err := app.Service.GetAllMeetings(ctx)
	if err != nil {
		return err
	}
	if list.Notice != "" {
		fmt.Fprintf(deps.Err, "Note: %s\n", list.Notice)
	}

	if ok, err := writeStructured(deps.Out, format, list); ok {
		return err
	}
	writeMeetingTable(deps.Out, list.Meetings)
	return nil
}

// newMeetingShowCommand creates the 'meeting show' subcommand.
func newMeetingShowCommand(deps *CommandDeps) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Show a meeting",
		Long: `Show the current state of a meeting.

A meeting the service no longer has is shown as deleted.

Examples:
  scribe meeting show 3f2c9a1e-...
  scribe meeting show 3f2c9a1e-... -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			format, err := outputFormat(app.Config, output)
			if err != nil {
				return err
			}

			rec, err := app.Service.GetMeetingDetails(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok, err := writeStructured(deps.Out, format, rec); ok {
				return err
			}
			writeMeetingDetails(deps.Out, rec)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

// newMeetingTranscriptCommand creates the 'meeting transcript' subcommand.
func newMeetingTranscriptCommand(deps *CommandDeps) *cobra.Command {
	var (
		output     string
		utterances bool
	)

	cmd := &cobra.Command{
		Use:   "transcript <meeting-id>",
		Short: "Print the transcript of a meeting",
		Long: `Print the transcript of a completed meeting.

With --utterances each speaker turn is printed with its offset into the
recording. A meeting that is not completed yet prints its status instead.

Examples:
  scribe meeting transcript 3f2c9a1e-...
  scribe meeting transcript 3f2c9a1e-... --utterances
  scribe meeting transcript 3f2c9a1e-... -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			format, err := outputFormat(app.Config, output)
			if err != nil {
				return err
			}

			t, err := app.Service.GetTranscript(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok, err := writeStructured(deps.Out, format, t); ok {
				return err
			}
			writeTranscript(deps, t, utterances)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().BoolVarP(&utterances, "utterances", "u", false, "Print speaker turns with offsets")
	return cmd
}

func writeTranscript(deps *CommandDeps, t transcription.Transcript, utterances bool) {
	switch t.Status {
	case meeting.StatusCompleted:
	case meeting.StatusError, meeting.StatusDeleted:
		fmt.Fprintf(deps.Out, "No transcript: meeting is %s (%s)\n", t.Status, t.Error)
		return
	default:
		fmt.Fprintf(deps.Out, "No transcript yet: meeting is %s\n", t.Status)
		fmt.Fprintf(deps.Err, "Follow it with: scribe meeting watch %s\n", t.MeetingID)
		return
	}

	if utterances && len(t.Utterances) > 0 {
		for _, u := range t.Utterances {
			fmt.Fprintf(deps.Out, "[%s] %s: %s\n", formatOffset(u.StartMs), u.Speaker, u.Text)
		}
		return
	}
	fmt.Fprintln(deps.Out, t.Text)
}

// newMeetingUploadCommand creates the 'meeting upload' subcommand.
func newMeetingUploadCommand(deps *CommandDeps) *cobra.Command {
	var (
		output  string
		title   string
		wait    bool
		waitFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "upload <audio-file>",
		Short: "Upload a recording for transcription",
		Long: `Upload an audio recording and start its transcription.

With --wait the command follows the transcription until it completes or
fails, printing every status change.

Examples:
  scribe meeting upload standup.m4a
  scribe meeting upload standup.m4a --title "Standup" --wait
  scribe meeting upload allhands.mp3 --wait --wait-timeout 30m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := deps.app(ctx, transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			format, err := outputFormat(app.Config, output)
			if err != nil {
				return err
			}

			up, closer, err := client.OpenUpload(args[0])
			if err != nil {
				return err
			}
			defer closer.Close()

			var progress func(sent, total int64)
			if format == config.OutputFormatText {
				progress = uploadProgress(deps, up.FileName)
			}
			rec, err := app.Service.UploadMeeting(ctx, up, title, progress)
			if err != nil {
				return err
			}

			if wait {
				fmt.Fprintf(deps.Err, "Uploaded %s, waiting for transcription...\n", rec.ID)
				if rec, err = waitForTranscription(ctx, deps, app, rec.ID, waitFor); err != nil {
					return err
				}
			}

			if ok, err := writeStructured(deps.Out, format, rec); ok {
				return err
			}
			writeMeetingDetails(deps.Out, rec)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().StringVarP(&title, "title", "t", "", "Meeting title (default: assigned by the service)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the transcription to finish")
	cmd.Flags().DurationVar(&waitFor, "wait-timeout", 0, "Give up waiting after this long (0 waits indefinitely)")
	return cmd
}

// uploadProgress prints upload progress in steps of ten percent.
func uploadProgress(deps *CommandDeps, name string) func(sent, total int64) {
	lastStep := -1
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		pct := int(sent * 100 / total)
		if pct/10 <= lastStep {
			return
		}
		lastStep = pct / 10
		fmt.Fprintf(deps.Err, "Uploading %s: %d%%\n", name, pct)
	}
}

// waitForTranscription blocks until id reaches a terminal status, printing
// status changes to stderr.
func waitForTranscription(ctx context.Context, deps *CommandDeps, app *transcription.App, id string, limit time.Duration) (meeting.Record, error) {
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	var last meeting.Status
	return app.Service.WaitForTranscription(ctx, id, func(status meeting.Status, rec meeting.Record) {
		if status == last {
			return
		}
		last = status
		fmt.Fprintf(deps.Err, "%s  %s\n", time.Now().Format("15:04:05"), status)
	})
}

// newMeetingDeleteCommand creates the 'meeting delete' subcommand.
func newMeetingDeleteCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <meeting-id>...",
		Short: "Delete meetings",
		Long: `Delete meetings from the service and the local cache.

A meeting that is already gone counts as deleted.

Examples:
  scribe meeting delete 3f2c9a1e-...
  scribe meeting delete 3f2c9a1e-... 81d0b7c4-...`,
		Aliases: []string{"rm"},
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			for _, id := range args {
				if err := app.Service.DeleteMeeting(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(deps.Out, "Deleted meeting %s\n", id)
			}
			return nil
		},
	}
}

// newMeetingRetryCommand creates the 'meeting retry' subcommand.
func newMeetingRetryCommand(deps *CommandDeps) *cobra.Command {
	var (
		output  string
		wait    bool
		waitFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "retry <meeting-id>",
		Short: "Transcribe a meeting again",
		Long: `Ask the service to transcribe a meeting again, usually after it failed.

Examples:
  scribe meeting retry 3f2c9a1e-...
  scribe meeting retry 3f2c9a1e-... --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := deps.app(ctx, transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			format, err := outputFormat(app.Config, output)
			if err != nil {
				return err
			}

			rec, err := app.Service.RetryTranscription(ctx, args[0])
			if err != nil {
				return err
			}
			if wait {
				if rec, err = waitForTranscription(ctx, deps, app, rec.ID, waitFor); err != nil {
					return err
				}
			}

			if ok, err := writeStructured(deps.Out, format, rec); ok {
				return err
			}
			fmt.Fprintf(deps.Out, "Meeting %s is %s\n", rec.ID, rec.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the transcription to finish")
	cmd.Flags().DurationVar(&waitFor, "wait-timeout", 0, "Give up waiting after this long (0 waits indefinitely)")
	return cmd
}

// newMeetingWatchCommand creates the 'meeting watch' subcommand.
func newMeetingWatchCommand(deps *CommandDeps) *cobra.Command {
	var (
		output  string
		waitFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <meeting-id>",
		Short: "Follow a transcription until it finishes",
		Long: `Poll a meeting until its transcription completes, fails or the meeting
is deleted. Every status change is printed to stderr and the final record to
stdout.

Polling starts fast and slows down while the service reports no progress.
When metrics_addr is configured, Prometheus metrics are served there while
the watch runs.

Examples:
  scribe meeting watch 3f2c9a1e-...
  scribe meeting watch 3f2c9a1e-... --timeout-after 10m -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := deps.app(ctx, transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			format, err := outputFormat(app.Config, output)
			if err != nil {
				return err
			}

			if addr := app.Config.MetricsAddr; addr != "" {
				serveCtx, stop := context.WithCancel(ctx)
				defer stop()
				go func() {
					if err := observability.Serve(serveCtx, addr); err != nil {
						app.Logger.Warn("Metrics server stopped", logging.F("addr", addr), logging.Err(err))
					}
				}()
			}

			unsubscribe := app.Service.OnTranscriptionCompleted(func(rec meeting.Record) {
				fmt.Fprintf(deps.Err, "Transcription of %q completed\n", rec.Title)
			})
			defer unsubscribe()

			rec, err := waitForTranscription(ctx, deps, app, args[0], waitFor)
			if err != nil {
				return err
			}

			if ok, err := writeStructured(deps.Out, format, rec); ok {
				return err
			}
			writeMeetingDetails(deps.Out, rec)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().DurationVar(&waitFor, "timeout-after", 0, "Stop watching after this long (0 watches indefinitely)")
	return cmd
}

// newMeetingSyncCommand creates the 'meeting sync' subcommand.
func newMeetingSyncCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [meeting-id...]",
		Short: "Prune meetings the service no longer has from the cache",
		Long: `Ask the service which cached meetings still exist and remove the rest
from the local cache. Without arguments every cached meeting is checked.

Examples:
  scribe meeting sync
  scribe meeting sync 3f2c9a1e-... 81d0b7c4-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			before := len(app.Service.CachedMeetings())
			valid, err := app.Service.SyncMeetingsCache(cmd.Context(), args)
			if err != nil {
				return err
			}
			pruned := before - len(app.Service.CachedMeetings())
			fmt.Fprintf(deps.Out, "Cache synced: %d valid, %d pruned\n", len(valid), pruned)
			return nil
		},
	}
}
