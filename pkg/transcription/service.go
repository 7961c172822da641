// Package transcription is the meetings facade used by the CLI. It combines
// the remote job client, the local cache, the status watcher and the
// completion bus, and translates every error into an
// *errors.OperationError carrying a message a user can act on.
package transcription

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otherjamesbrown/scribe-cli/client"
	"github.com/otherjamesbrown/scribe-cli/pkg/cache"
	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
	"github.com/otherjamesbrown/scribe-cli/pkg/events"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
	"github.com/otherjamesbrown/scribe-cli/pkg/observability"
	"github.com/otherjamesbrown/scribe-cli/pkg/watcher"
)

// Authenticator is the part of the session the service consults before
// going to the network.
type Authenticator interface {
	VerifyTokenValidity() bool
}

// MeetingList is the result of GetAllMeetings.
type MeetingList struct {
	Meetings []meeting.Record `json:"meetings" yaml:"meetings"`
	// FromCache is set when the service could not be asked and the records
	// come from the local cache.
	FromCache bool `json:"from_cache" yaml:"from_cache"`
	// Notice explains a cache fallback.
	Notice string `json:"notice,omitempty" yaml:"notice,omitempty"`
}

// Transcript is the readable part of a meeting.
type Transcript struct {
	MeetingID  string              `json:"meeting_id" yaml:"meeting_id"`
	Status     meeting.Status      `json:"status" yaml:"status"`
	Text       string              `json:"text,omitempty" yaml:"text,omitempty"`
	Utterances []meeting.Utterance `json:"utterances,omitempty" yaml:"utterances,omitempty"`
	Error      string              `json:"error,omitempty" yaml:"error,omitempty"`
}

// TranscriptOf extracts the transcript view of rec. When the service sent
// only utterances the text is assembled from them, one line per utterance.
func TranscriptOf(rec meeting.Record) Transcript {
	t := Transcript{MeetingID: rec.ID, Status: rec.Status}
	switch rec.Status {
	case meeting.StatusCompleted:
		t.Text = rec.TranscriptText
		t.Utterances = rec.Utterances
		if t.Text == "" && len(rec.Utterances) > 0 {
			lines := make([]string, 0, len(rec.Utterances))
			for _, u := range rec.Utterances {
				lines = append(lines, fmt.Sprintf("%s: %s", u.Speaker, u.Text))
			}
			t.Text = strings.Join(lines, "\n")
		}
	case meeting.StatusError, meeting.StatusDeleted:
		t.Error = rec.ErrorMessage
	}
	return t
}

// Options configures a Service.
type Options struct {
	// Auth gates GetAllMeetings: with an invalid token the cache is served
	// without a request. Nil skips the check.
	Auth Authenticator
	// Bus receives completions. Nil creates a private bus.
	Bus     *events.Bus
	Policy  watcher.Policy
	Logger  logging.Logger
	Metrics *observability.Metrics
}

// Service is the meetings facade.
type Service struct {
	meetings *client.MeetingsClient
	cache    *cache.Store
	auth     Authenticator
	bus      *events.Bus
	watcher  *watcher.Watcher
	logger   logging.Logger
	metrics  *observability.Metrics
}

// NewService creates a Service over meetings and its cache.
func NewService(meetings *client.MeetingsClient, opts Options) *Service {
	logger := logging.OrNop(opts.Logger).With(logging.F("component", "meetings"))
	metrics := observability.OrDiscard(opts.Metrics)

	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(opts.Logger)
	}

	return &Service{
		meetings: meetings,
		cache:    meetings.Cache(),
		auth:     opts.Auth,
		bus:      bus,
		watcher: watcher.New(meetings, bus, watcher.Options{
			Policy:  opts.Policy,
			Logger:  opts.Logger,
			Metrics: metrics,
		}),
		logger:  logger,
		metrics: metrics,
	}
}

// Bus returns the completion bus.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// UploadMeeting uploads an audio file and returns the new meeting.
func (s *Service) UploadMeeting(ctx context.Context, up client.Upload, title string, onProgress func(sent, total int64)) (meeting.Record, error) {
	rec, err := s.meetings.Create(ctx, up, title, onProgress)
	if err != nil {
		return meeting.Record{}, scerrors.Translate("upload meeting", err)
	}
	s.logger.Info("Meeting uploaded", logging.F("meeting_id", rec.ID), logging.F("file", up.FileName))
	return rec, nil
}

// GetAllMeetings lists the meetings, newest first. When the service is
// unreachable, or the session token is known to be invalid, the cached
// records are returned instead with a notice.
func (s *Service) GetAllMeetings(ctx context.Context) (MeetingList, error) {
	const op = "list meetings"

	if s.auth != nil && !s.auth.VerifyTokenValidity() {
		if list, ok := s.cachedList("session", "Not signed in"); ok {
			return list, nil
		}
		return MeetingList{}, scerrors.Translate(op, scerrors.ErrUnauthorized)
	}

	recs, err := s.meetings.List(ctx)
	if err == nil {
		cache.SortNewestFirst(recs)
		return MeetingList{Meetings: recs}, nil
	}

	if scerrors.IsTransient(err) && ctx.Err() == nil {
		if list, ok := s.cachedList("network", "Transcription service unreachable"); ok {
			s.logger.Warn("Listing meetings failed, serving cache", logging.Err(err))
			return list, nil
		}
	}
	return MeetingList{}, scerrors.Translate(op, err)
}

func (s *Service) cachedList(reason, prefix string) (MeetingList, bool) {
	recs := s.cache.List()
	if len(recs) == 0 {
		return MeetingList{}, false
	}
	s.metrics.CacheFallbacksTotal.WithLabelValues("list").Inc()
	return MeetingList{
		Meetings:  recs,
		FromCache: true,
		Notice:    fmt.Sprintf("%s; showing %d cached meetings, which may be out of date", prefix, len(recs)),
	}, true
}

// GetMeetingDetails returns the current record of id. A meeting the service
// no longer has is returned as a deleted record rather than an error. When
// the service is unreachable the cached record is returned if there is one.
func (s *Service) GetMeetingDetails(ctx context.Context, id string) (meeting.Record, error) {
	prev, cached := s.cache.Get(id)

	rec, err := s.meetings.Get(ctx, id)
	switch {
	case err == nil && rec == nil:
		var last *meeting.Record
		if cached {
			last = &prev
		}
		return meeting.DeletedRecord(id, last), nil
	case err == nil:
		return *rec, nil
	case cached && scerrors.IsTransient(err) && ctx.Err() == nil:
		s.metrics.CacheFallbacksTotal.WithLabelValues("details").Inc()
		s.logger.Warn("Fetching meeting failed, serving cache",
			logging.F("meeting_id", id), logging.Err(err))
		return prev, nil
	}
	return meeting.Record{}, scerrors.Translate("get meeting", err)
}

// GetTranscript returns the transcript of id, or its status and error when
// there is no transcript yet.
func (s *Service) GetTranscript(ctx context.Context, id string) (Transcript, error) {
	rec, err := s.GetMeetingDetails(ctx, id)
	if err != nil {
		return Transcript{}, err
	}
	return TranscriptOf(rec), nil
}

// DeleteMeeting deletes id. A meeting that is already gone counts as deleted.
func (s *Service) DeleteMeeting(ctx context.Context, id string) error {
	err := s.meetings.Remove(ctx, id)
	if err != nil && !scerrors.IsNotFound(err) {
		return scerrors.Translate("delete meeting", err)
	}
	s.logger.Info("Meeting deleted", logging.F("meeting_id", id))
	return nil
}

// RetryTranscription asks the service to transcribe id again.
func (s *Service) RetryTranscription(ctx context.Context, id string) (meeting.Record, error) {
	rec, err := s.meetings.Retry(ctx, id)
	if err != nil {
		return meeting.Record{}, scerrors.Translate("retry transcription", err)
	}
	return rec, nil
}

// WatchTranscriptionStatus polls id in the background until it reaches a
// terminal status, calling onUpdate with every status seen. Completions are
// also published to OnTranscriptionCompleted subscribers.
func (s *Service) WatchTranscriptionStatus(ctx context.Context, id string, onUpdate watcher.UpdateFunc) watcher.StopFunc {
	return s.watcher.Start(ctx, id, onUpdate).Stop
}

// OnTranscriptionCompleted subscribes fn to completions of every watch.
func (s *Service) OnTranscriptionCompleted(fn events.Handler) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// WaitForTranscription watches id and blocks until it reaches a terminal
// status or ctx is done. The final record is returned; a failed or deleted
// meeting is not an error.
func (s *Service) WaitForTranscription(ctx context.Context, id string, onUpdate watcher.UpdateFunc) (meeting.Record, error) {
	var (
		mu   sync.Mutex
		last meeting.Record
	)
	h := s.watcher.Start(ctx, id, func(status meeting.Status, rec meeting.Record) {
		mu.Lock()
		last = rec
		mu.Unlock()
		if onUpdate != nil {
			onUpdate(status, rec)
		}
	})
	<-h.Done()

	mu.Lock()
	defer mu.Unlock()
	if h.State() != watcher.StateStopped {
		return last, nil
	}
	err := h.Err()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = fmt.Errorf("%w: watch stopped", scerrors.ErrInvalidState)
	}
	return last, scerrors.Translate("wait for transcription", err)
}

// SyncMeetingsCache asks the service which of knownIDs still exist, prunes
// the rest from the cache and returns the valid ids. An empty knownIDs
// validates every cached id.
func (s *Service) SyncMeetingsCache(ctx context.Context, knownIDs []string) ([]string, error) {
	ids := knownIDs
	if len(ids) == 0 {
		ids = s.cache.IDs()
	}
	if len(ids) == 0 {
		return nil, nil
	}

	res, err := s.meetings.ValidateIDs(ctx, ids)
	if err != nil {
		return nil, scerrors.Translate("sync meetings cache", err)
	}
	if len(res.InvalidIDs) > 0 {
		s.logger.Info("Pruned stale meetings from cache", logging.F("count", len(res.InvalidIDs)))
	}
	return res.ValidIDs, nil
}

// CachedMeetings returns the cached records, newest first, without any
// network access.
func (s *Service) CachedMeetings() []meeting.Record {
	return s.cache.List()
}

// ClearCache removes every cached record.
func (s *Service) ClearCache() {
	s.cache.Clear()
}
