package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/otherjamesbrown/scribe-cli/pkg/cache"
	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
)

// Upload is an audio file to send to the service.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// OpenUpload opens the file at path for upload. The caller closes the
// returned file.
func OpenUpload(path string) (Upload, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Upload{}, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Upload{}, nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return Upload{}, nil, fmt.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)
	return Upload{
		FileName:    name,
		ContentType: contentType(name),
		Size:        info.Size(),
		Reader:      f,
	}, f, nil
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "video/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".webm": "audio/webm",
	".flac": "audio/flac",
	".aac":  "audio/aac",
}

func contentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := audioTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// ValidationResult is the answer to a bulk existence check.
type ValidationResult struct {
	ValidIDs   []string `json:"valid_ids"`
	InvalidIDs []string `json:"invalid_ids"`
}

// MeetingsClient performs meeting operations against the service. Every
// record it returns is normalized, and every successful read writes through
// to the cache.
type MeetingsClient struct {
	transport  Transport
	cache      *cache.Store
	normalizer *meeting.Normalizer
	logger     logging.Logger
}

// NewMeetingsClient creates a client over transport that writes through to store.
func NewMeetingsClient(transport Transport, store *cache.Store, logger logging.Logger) *MeetingsClient {
	logger = logging.OrNop(logger)
	return &MeetingsClient{
		transport:  transport,
		cache:      store,
		normalizer: meeting.NewNormalizer(logger),
		logger:     logger.With(logging.F("component", "meetings_client")),
	}
}

// Cache returns the cache the client writes through to.
func (c *MeetingsClient) Cache() *cache.Store {
	return c.cache
}

func meetingPath(id string, suffix string) string {
	return "/meetings/" + url.PathEscape(id) + suffix
}

// Create uploads audio and returns the new meeting.
func (c *MeetingsClient) Create(ctx context.Context, up Upload, title string, onProgress func(sent, total int64)) (meeting.Record, error) {
	fields := map[string]string{}
	if title != "" {
		fields["title"] = title
	}

	var raw json.RawMessage
	err := c.transport.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/meetings/upload",
		Multipart: &MultipartBody{
			Fields:      fields,
			FileField:   "file",
			FileName:    up.FileName,
			ContentType: up.ContentType,
			File:        up.Reader,
			Size:        up.Size,
			OnProgress:  onProgress,
		},
		AuthRequired: true,
	}, &raw)
	if err != nil {
		return meeting.Record{}, fmt.Errorf("upload %s: %w", up.FileName, err)
	}

	rawRec, err := unwrapRecord(raw)
	if err != nil {
		return meeting.Record{}, fmt.Errorf("upload %s: %v: %w", up.FileName, err, scerrors.ErrUpload)
	}
	if rawRec.ID == "" {
		return meeting.Record{}, fmt.Errorf("upload %s: response has no meeting id: %w", up.FileName, scerrors.ErrUpload)
	}
	// The service sometimes echoes only the id; keep the title we sent.
	if rawRec.Title == nil && rawRec.Name == nil && title != "" {
		rawRec.Title = &title
	}

	rec, err := c.normalizer.Normalize(rawRec)
	if err != nil {
		return meeting.Record{}, err
	}
	c.cache.Put(rec)
	c.logger.Info("Meeting uploaded", logging.F("meeting_id", rec.ID), logging.F("file", up.FileName))
	return rec, nil
}

// Get fetches one meeting. It returns nil, nil when the service no longer
// has it, after dropping it from the cache.
//
// A response that moves a terminal cached record backwards, such as
// completed to processing, is returned but not written to the cache.
func (c *MeetingsClient) Get(ctx context.Context, id string) (*meeting.Record, error) {
	return c.get(ctx, id, false)
}

func (c *MeetingsClient) get(ctx context.Context, id string, restarted bool) (*meeting.Record, error) {
	var raw json.RawMessage
	err := c.transport.Do(ctx, &Request{
		Method:       http.MethodGet,
		Path:         meetingPath(id, ""),
		Route:        "/meetings/{id}",
		AuthRequired: true,
	}, &raw)
	if scerrors.IsNotFound(err) {
		c.cache.Remove(id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rawRec, err := unwrapRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("get meeting %s: %w", id, err)
	}
	rec, err := c.normalizer.Normalize(rawRec)
	if err != nil {
		c.logger.Error("Dropping invalid meeting record", logging.F("meeting_id", id), logging.Err(err))
		return nil, err
	}
	if prev, ok := c.cache.Get(rec.ID); ok && !restarted && prev.Status.IsTerminal() && !prev.Status.CanTransition(rec.Status) {
		c.logger.Debug("Keeping cached record over stale response",
			logging.F("meeting_id", id),
			logging.F("cached", prev.Status.String()),
			logging.F("received", rec.Status.String()))
		return &rec, nil
	}
	c.cache.Put(rec)
	return &rec, nil
}

// List fetches every meeting visible to the session. Records without an id
// are logged and skipped. Falling back to the cache is up to the caller.
func (c *MeetingsClient) List(ctx context.Context) ([]meeting.Record, error) {
	var raw json.RawMessage
	err := c.transport.Do(ctx, &Request{
		Method:       http.MethodGet,
		Path:         "/meetings",
		AuthRequired: true,
	}, &raw)
	if err != nil {
		return nil, err
	}

	raws, err := unwrapList(raw)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}

	recs := make([]meeting.Record, 0, len(raws))
	for i, r := range raws {
		rec, err := c.normalizer.Normalize(r)
		if err != nil {
			c.logger.Warn("Skipping invalid meeting record", logging.F("index", i), logging.Err(err))
			continue
		}
		recs = append(recs, rec)
	}
	c.cache.PutMany(recs)
	return recs, nil
}

// Remove deletes a meeting on the service and drops it from the cache.
// A 404 is returned to the caller but still clears the cache entry.
func (c *MeetingsClient) Remove(ctx context.Context, id string) error {
	err := c.transport.Do(ctx, &Request{
		Method:       http.MethodDelete,
		Path:         meetingPath(id, ""),
		Route:        "/meetings/{id}",
		AuthRequired: true,
	}, nil)
	if err == nil || scerrors.IsNotFound(err) {
		c.cache.Remove(id)
	}
	return err
}

// Retry resubmits a failed transcription. The service restarts the job
// under the same id.
func (c *MeetingsClient) Retry(ctx context.Context, id string) (meeting.Record, error) {
	var raw json.RawMessage
	err := c.transport.Do(ctx, &Request{
		Method:       http.MethodPost,
		Path:         meetingPath(id, "/retry"),
		Route:        "/meetings/{id}/retry",
		AuthRequired: true,
	}, &raw)
	if scerrors.IsNotFound(err) {
		c.cache.Remove(id)
		return meeting.Record{}, err
	}
	if err != nil {
		return meeting.Record{}, err
	}

	rawRec, err := unwrapRecord(raw)
	if err != nil || rawRec.ID == "" {
		// Some deployments answer with a bare acknowledgement.
		rec, gerr := c.get(ctx, id, true)
		if gerr != nil {
			return meeting.Record{}, gerr
		}
		if rec == nil {
			return meeting.DeletedRecord(id, nil), nil
		}
		return *rec, nil
	}

	rec, err := c.normalizer.Normalize(rawRec)
	if err != nil {
		return meeting.Record{}, err
	}
	c.cache.Put(rec)
	return rec, nil
}

// ValidateIDs asks the service which of ids still exist and drops the
// others from the cache.
func (c *MeetingsClient) ValidateIDs(ctx context.Context, ids []string) (ValidationResult, error) {
	if len(ids) == 0 {
		return ValidationResult{ValidIDs: []string{}, InvalidIDs: []string{}}, nil
	}

	var result ValidationResult
	err := c.transport.Do(ctx, &Request{
		Method:       http.MethodPost,
		Path:         "/meetings/validate",
		Body:         map[string][]string{"ids": ids},
		AuthRequired: true,
	}, &result)
	if err != nil {
		return ValidationResult{}, err
	}
	if result.ValidIDs == nil {
		result.ValidIDs = []string{}
	}
	if result.InvalidIDs == nil {
		result.InvalidIDs = []string{}
	}

	c.cache.RemoveMany(result.InvalidIDs)
	return result, nil
}

// unwrapRecord accepts a bare record or one wrapped as {"meeting": {...}}.
func unwrapRecord(data json.RawMessage) (meeting.RawRecord, error) {
	var envelope struct {
		Meeting *meeting.RawRecord `json:"meeting"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Meeting != nil {
		return *envelope.Meeting, nil
	}

	var rec meeting.RawRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return meeting.RawRecord{}, fmt.Errorf("failed to decode meeting: %w", err)
	}
	return rec, nil
}

// unwrapList accepts a bare array or one wrapped as {"meetings": [...]}.
// An element that is not a meeting object decodes as a record without an id.
func unwrapList(data json.RawMessage) ([]meeting.RawRecord, error) {
	data = bytes.TrimSpace(data)
	var items []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to decode meetings: %w", err)
		}
	} else {
		var envelope struct {
			Meetings []json.RawMessage `json:"meetings"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode meetings: %w", err)
		}
		items = envelope.Meetings
	}

	recs := make([]meeting.RawRecord, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &recs[i]); err != nil {
			recs[i] = meeting.RawRecord{}
		}
	}
	return recs, nil
}
