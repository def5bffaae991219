package audit

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/javimosch/superqueues/internal/settings"
	pebblestore "github.com/javimosch/superqueues/internal/storage/pebble"
	"github.com/javimosch/superqueues/pkg/id"
	"github.com/javimosch/superqueues/pkg/log"
)

const settingAuditMode = "audit_mode"

// Service records and queries the job audit trail.
type Service struct {
	db       *pebblestore.DB
	settings *settings.Store
	gen      *id.Generator
	logger   log.Logger

	defaultMode Mode
	mode        atomic.Pointer[Mode]

	nowMs func() int64
}

// NewService creates the audit service. defaultMode applies until a mode
// has been persisted through SetMode.
func NewService(db *pebblestore.DB, st *settings.Store, defaultMode Mode, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Service{
		db:          db,
		settings:    st,
		gen:         id.NewGenerator(),
		logger:      logger.With(log.Component("audit")),
		defaultMode: defaultMode,
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Mode returns the effective audit mode. The persisted value is read
// once and cached until SetMode replaces it.
func (s *Service) Mode() Mode {
	if m := s.mode.Load(); m != nil {
		return *m
	}
	mode := s.defaultMode
	var stored string
	if found, err := s.settings.Get(settingAuditMode, &stored); err == nil && found {
		if parsed, err := ParseMode(stored); err == nil {
			mode = parsed
		}
	}
	s.mode.Store(&mode)
	return mode
}

// SetMode validates, persists and activates a new audit mode.
func (s *Service) SetMode(raw string) (Mode, error) {
	mode, err := ParseMode(raw)
	if err != nil {
		return "", err
	}
	if err := s.settings.Set(settingAuditMode, string(mode)); err != nil {
		return "", err
	}
	s.mode.Store(&mode)
	s.logger.Info("audit mode changed", log.Str("mode", string(mode)))
	return mode, nil
}

// CreateJobParams describes a freshly published job.
type CreateJobParams struct {
	JobID         string
	MessageID     string
	Queue         string
	CorrelationID string
	Payload       []byte
	Headers       map[string]string
}

// CreateJob records a new job in status queued.
func (s *Service) CreateJob(p CreateJobParams) error {
	mode := s.Mode()
	if mode == ModeOff {
		return nil
	}
	now := s.nowMs()
	job := Job{
		JobID:         p.JobID,
		MessageID:     p.MessageID,
		Queue:         p.Queue,
		Status:        StatusQueued,
		CorrelationID: p.CorrelationID,
		Payload:       p.Payload,
		Headers:       p.Headers,
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	}
	jb, err := json.Marshal(job)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(job.JobID), jb, nil); err != nil {
		return err
	}
	if err := b.Set(jobIdxKey(now, job.JobID), nil, nil); err != nil {
		return err
	}
	if mode == ModeFull {
		if err := s.appendEvent(b, Event{
			JobID: job.JobID,
			Type:  EventCreated,
			Meta:  map[string]any{"queue": job.Queue},
			AtMs:  now,
		}); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(b)
}

// StatusMeta carries the optional details of a status transition.
type StatusMeta struct {
	// Attempt updates the job's attempt counter when positive.
	Attempt int
	// LastError records the most recent failure reason.
	LastError string
}

// UpdateJobStatus moves a job to a new status. Unknown jobs are ignored
// so turning audit on mid-stream never fails queue operations.
func (s *Service) UpdateJobStatus(jobID string, status JobStatus, meta StatusMeta) error {
	mode := s.Mode()
	if mode == ModeOff {
		return nil
	}
	job, ok, err := s.GetJob(jobID)
	if err != nil || !ok {
		return err
	}
	now := s.nowMs()
	job.Status = status
	job.UpdatedAtMs = now
	if meta.Attempt > 0 {
		job.Attempts = meta.Attempt
	}
	if meta.LastError != "" {
		job.LastError = meta.LastError
	}
	jb, err := json.Marshal(job)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(jobID), jb, nil); err != nil {
		return err
	}
	if mode == ModeFull {
		evMeta := map[string]any{}
		if meta.Attempt > 0 {
			evMeta["attempt"] = meta.Attempt
		}
		if meta.LastError != "" {
			evMeta["error"] = meta.LastError
		}
		if err := s.appendEvent(b, Event{
			JobID: jobID,
			Type:  eventTypeFor(status),
			Meta:  evMeta,
			AtMs:  now,
		}); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(b)
}

// RecordRetry moves a job back to queued with a bumped attempt counter.
func (s *Service) RecordRetry(jobID string, attempt int, reason string) error {
	mode := s.Mode()
	if mode == ModeOff {
		return nil
	}
	job, ok, err := s.GetJob(jobID)
	if err != nil || !ok {
		return err
	}
	now := s.nowMs()
	job.Status = StatusQueued
	job.Attempts = attempt
	job.LastError = reason
	job.UpdatedAtMs = now
	jb, err := json.Marshal(job)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(jobID), jb, nil); err != nil {
		return err
	}
	if mode == ModeFull {
		if err := s.appendEvent(b, Event{
			JobID: jobID,
			Type:  EventRetried,
			Meta:  map[string]any{"attempt": attempt, "reason": reason},
			AtMs:  now,
		}); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(b)
}

func (s *Service) appendEvent(b *pebble.Batch, ev Event) error {
	eb, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.Set(eventKey(ev.JobID, s.gen.Next().String()), eb, nil)
}

// GetJob loads a job document.
func (s *Service) GetJob(jobID string) (Job, bool, error) {
	raw, err := s.db.Get(jobKey(jobID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// QueryFilter narrows QueryJobs results. Zero values match everything.
type QueryFilter struct {
	Queue  string
	Status JobStatus
	FromMs int64
	ToMs   int64
	Limit  int
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 100
)

// QueryJobs returns jobs newest-first via the creation-time index.
func (s *Service) QueryJobs(f QueryFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	lower := jobIdxBound(f.FromMs)
	var upper []byte
	if f.ToMs > 0 {
		upper = jobIdxBound(f.ToMs + 1)
	} else {
		upper = upperBound(jobIdxPrefix)
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := make([]Job, 0, limit)
	for ok := it.Last(); ok && len(out) < limit; ok = it.Prev() {
		key := it.Key()
		if len(key) <= len(jobIdxPrefix)+16+1 {
			continue
		}
		jobID := string(key[len(jobIdxPrefix)+16+1:])
		job, found, err := s.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if f.Queue != "" && job.Queue != f.Queue {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// GetJobEvents returns a job's events oldest-first.
func (s *Service) GetJobEvents(jobID string) ([]Event, error) {
	prefix := eventKeyPrefix(jobID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Event
	for ok := it.First(); ok; ok = it.Next() {
		var ev Event
		if err := json.Unmarshal(it.Value(), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// jobIdxBound builds an index key prefix at a millisecond boundary.
func jobIdxBound(ms int64) []byte {
	k := make([]byte, 0, len(jobIdxPrefix)+16)
	k = append(k, jobIdxPrefix...)
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(ms))
	dst := make([]byte, 16)
	hex.Encode(dst, raw[:])
	return append(k, dst...)
}
