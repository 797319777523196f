package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/randomcorp/platform/pkg/common/database"
	"github.com/randomcorp/platform/pkg/common/logger"
	"github.com/randomcorp/platform/pkg/common/retry"
	"github.com/randomcorp/platform/pkg/common/tasks"
	"github.com/randomcorp/platform/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	APIVersion       = "1.0.0"
	EventAccepted    = "submission.accepted"
	defaultMaxBatch  = 10
	taskPersist      = "persist-submission"
	taskPersistBatch = "persist-batch"
	taskRecord       = "record-submission"
	taskRefreshStats = "refresh-stats"
	taskPublishEvent = "publish-event"
)

// TaskRunner schedules deferred work. *tasks.Queue implements it.
type TaskRunner interface {
	Submit(t tasks.Task) error
}

// EventPublisher is optional; *kafka.Producer implements it.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, data interface{}) error
}

type Options struct {
	MaxBatch int
	// DeferPersistence moves the store write onto the task queue. The
	// response then reports the mode the write is expected to use.
	DeferPersistence bool
}

type Result struct {
	SubmissionID   string    `json:"submission_id"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time"`
	Mode           Mode      `json:"mode"`
}

type BatchResult struct {
	BatchID        string   `json:"batch_id"`
	TotalProcessed int      `json:"total_processed"`
	ProcessingTime float64  `json:"processing_time"`
	Results        []Result `json:"results"`
	Mode           Mode     `json:"mode"`
}

// Report is the statistics payload with service-level context.
type Report struct {
	Statistics
	TotalMessages  int        `json:"total_messages"`
	APIVersion     string     `json:"api_version"`
	Status         string     `json:"status"`
	DemoMode       bool       `json:"demo_mode"`
	LastSubmission *time.Time `json:"last_submission"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
}

type SubmissionList struct {
	Submissions []Submission `json:"submissions"`
	Total       int64        `json:"total"`
	Limit       int          `json:"limit"`
	Offset      int          `json:"offset"`
	HasMore     bool         `json:"has_more"`
	Mode        Mode         `json:"mode"`
}

type acceptedEvent struct {
	SubmissionID string  `json:"submission_id"`
	FirstName    string  `json:"first_name"`
	LastName     string  `json:"last_name"`
	BatchID      *string `json:"batch_id,omitempty"`
	Mode         Mode    `json:"mode"`
}

// Service is the ingestion pipeline. The response path validates, enriches,
// assigns ids and persists; logging, statistics refresh and events run on
// the task queue after the response is built.
type Service struct {
	validator *Validator
	catalog   *Catalog
	enricher  Enricher
	gateway   *Gateway
	stats     *Aggregator
	tasks     TaskRunner
	events    EventPublisher
	opts      Options

	now     func() time.Time
	started time.Time

	refreshPending atomic.Bool
	mu             sync.RWMutex
	lastAccepted   time.Time
}

// NewService wires the pipeline. events may be nil.
func NewService(opts Options, validator *Validator, catalog *Catalog, enricher Enricher, gateway *Gateway, stats *Aggregator, runner TaskRunner, events EventPublisher) *Service {
	if opts.MaxBatch < 1 {
		opts.MaxBatch = defaultMaxBatch
	}
	return &Service{
		validator: validator,
		catalog:   catalog,
		enricher:  enricher,
		gateway:   gateway,
		stats:     stats,
		tasks:     runner,
		events:    events,
		opts:      opts,
		now:       time.Now,
		started:   time.Now(),
	}
}

func (s *Service) AcceptOne(ctx context.Context, in Input) (*Result, error) {
	start := s.now()
	in, err := s.validator.Validate(in)
	if err != nil {
		metrics.ObserveRejected(rejectReason(err))
		return nil, err
	}

	rec, err := s.prepare(ctx, in, nil)
	if err != nil {
		metrics.ObserveRejected(rejectReason(err))
		return nil, err
	}
	rec.ProcessingTime = s.now().Sub(start).Seconds()

	mode, err := s.persistOne(ctx, rec)
	if err != nil {
		metrics.ObserveRejected(rejectReason(err))
		logger.WithError(err).WithField("submission_id", rec.SubmissionID).Error("failed to store submission")
		return nil, err
	}

	result := s.result(rec, mode)
	s.afterAccept(mode, rec)
	metrics.ObserveAccepted(string(mode), rec.ProcessingTime)
	return &result, nil
}

// AcceptBatch validates every item before doing any work, so an invalid
// item means nothing is stored. The batch wall-clock time is reported for
// every item.
func (s *Service) AcceptBatch(ctx context.Context, items []Input) (*BatchResult, error) {
	start := s.now()
	if len(items) == 0 || len(items) > s.opts.MaxBatch {
		metrics.ObserveRejected("validation")
		return nil, ValidationError{reason: fmt.Errorf("%w: got %d items, want 1 to %d", ErrBatchSize, len(items), s.opts.MaxBatch)}
	}

	clean := make([]Input, len(items))
	for i, item := range items {
		v, err := s.validator.Validate(item)
		if err != nil {
			metrics.ObserveRejected("validation")
			return nil, &BatchError{Index: i, Err: err}
		}
		clean[i] = v
	}

	batchID := uuid.New().String()
	recs := make([]*Submission, len(clean))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range clean {
		g.Go(func() error {
			rec, err := s.prepare(gctx, in, &batchID)
			if err != nil {
				return &BatchError{Index: i, Err: err}
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ObserveRejected(rejectReason(err))
		return nil, err
	}

	elapsed := s.now().Sub(start).Seconds()
	for _, rec := range recs {
		rec.ProcessingTime = elapsed
	}

	mode, err := s.persistBatch(ctx, recs)
	if err != nil {
		metrics.ObserveRejected(rejectReason(err))
		logger.WithError(err).WithField("batch_id", batchID).Error("failed to store batch")
		return nil, err
	}

	out := &BatchResult{
		BatchID:        batchID,
		TotalProcessed: len(recs),
		ProcessingTime: elapsed,
		Results:        make([]Result, len(recs)),
		Mode:           mode,
	}
	for i, rec := range recs {
		out.Results[i] = s.result(rec, mode)
	}
	s.afterAccept(mode, recs...)
	metrics.ObserveBatch(string(mode), len(recs), elapsed)
	return out, nil
}

// prepare assigns the id and message while enrichment runs, and joins both.
func (s *Service) prepare(ctx context.Context, in Input, batchID *string) (*Submission, error) {
	rec := &Submission{FirstName: in.FirstName, LastName: in.LastName, BatchID: batchID}
	var extra map[string]interface{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec.SubmissionID = uuid.New().String()
		rec.Message = s.catalog.Pick()
		return nil
	})
	g.Go(func() error {
		var err error
		extra, err = s.enricher.Enrich(gctx, in)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("enriching submission: %w", err)
	}

	if len(extra) > 0 {
		raw, err := json.Marshal(extra)
		if err != nil {
			return nil, fmt.Errorf("encoding enrichment: %w", err)
		}
		rec.ExternalData = datatypes.JSON(raw)
	}
	return rec, nil
}

// Writes are detached from request cancellation: once accepted, a
// submission is stored even if the caller goes away.
func (s *Service) persistOne(ctx context.Context, rec *Submission) (Mode, error) {
	ctx = context.WithoutCancel(ctx)
	if s.opts.DeferPersistence {
		stored := *rec
		err := s.tasks.Submit(tasks.Task{
			Name:   taskPersist,
			Fields: logrus.Fields{"submission_id": rec.SubmissionID},
			Run: func(ctx context.Context) error {
				_, mode, err := s.gateway.SaveOne(ctx, &stored)
				if err == nil && mode == ModeDurable {
					s.stats.Invalidate(ctx)
				}
				return deferredOutcome(err)
			},
		})
		if err == nil {
			return s.gateway.Mode(), nil
		}
		logger.WithError(err).WithField("submission_id", rec.SubmissionID).Warn("cannot defer persistence, storing inline")
	}

	_, mode, err := s.gateway.SaveOne(ctx, rec)
	if err == nil && mode == ModeDurable {
		s.stats.Invalidate(ctx)
	}
	return mode, err
}

func (s *Service) persistBatch(ctx context.Context, recs []*Submission) (Mode, error) {
	ctx = context.WithoutCancel(ctx)
	if s.opts.DeferPersistence {
		stored := make([]*Submission, len(recs))
		for i, rec := range recs {
			c := *rec
			stored[i] = &c
		}
		err := s.tasks.Submit(tasks.Task{
			Name:   taskPersistBatch,
			Fields: logrus.Fields{"batch_id": *recs[0].BatchID},
			Run: func(ctx context.Context) error {
				_, mode, err := s.gateway.SaveBatch(ctx, stored)
				if err == nil && mode == ModeDurable {
					s.stats.Invalidate(ctx)
				}
				return deferredOutcome(err)
			},
		})
		if err == nil {
			return s.gateway.Mode(), nil
		}
		logger.WithError(err).WithField("batch_id", *recs[0].BatchID).Warn("cannot defer persistence, storing inline")
	}

	_, mode, err := s.gateway.SaveBatch(ctx, recs)
	if err == nil && mode == ModeDurable {
		s.stats.Invalidate(ctx)
	}
	return mode, err
}

// deferredOutcome stops the queue from retrying failures that will not
// change on retry.
func deferredOutcome(err error) error {
	var writeErr *WriteError
	if err != nil && (errors.As(err, &writeErr) || IsValidationError(err)) {
		return retry.Permanent{Err: err}
	}
	return err
}

// afterAccept schedules the non-critical follow-up work. A full queue means
// the work is skipped; the queue logs and counts the rejection.
func (s *Service) afterAccept(mode Mode, recs ...*Submission) {
	s.mu.Lock()
	s.lastAccepted = s.now().UTC()
	s.mu.Unlock()

	for _, rec := range recs {
		fields := logrus.Fields{"submission_id": rec.SubmissionID, "mode": mode}
		if rec.BatchID != nil {
			fields["batch_id"] = *rec.BatchID
		}
		entry := logger.WithFields(fields).WithField("processing_time", rec.ProcessingTime)
		_ = s.tasks.Submit(tasks.Task{
			Name:   taskRecord,
			Fields: fields,
			Run: func(context.Context) error {
				entry.Info("submission accepted")
				return nil
			},
		})

		if s.events != nil {
			event := acceptedEvent{
				SubmissionID: rec.SubmissionID,
				FirstName:    rec.FirstName,
				LastName:     rec.LastName,
				BatchID:      rec.BatchID,
				Mode:         mode,
			}
			_ = s.tasks.Submit(tasks.Task{
				Name:   taskPublishEvent,
				Fields: fields,
				Run: func(ctx context.Context) error {
					return s.events.Publish(ctx, EventAccepted, event.SubmissionID, event)
				},
			})
		}
	}

	if mode == ModeDurable && s.refreshPending.CompareAndSwap(false, true) {
		err := s.tasks.Submit(tasks.Task{
			Name: taskRefreshStats,
			Run: func(ctx context.Context) error {
				s.refreshPending.Store(false)
				return s.stats.Refresh(ctx)
			},
		})
		if err != nil {
			s.refreshPending.Store(false)
		}
	}
}

func (s *Service) result(rec *Submission, mode Mode) Result {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	return Result{
		SubmissionID:   rec.SubmissionID,
		FirstName:      rec.FirstName,
		LastName:       rec.LastName,
		Message:        rec.Message,
		Timestamp:      ts,
		ProcessingTime: rec.ProcessingTime,
		Mode:           mode,
	}
}

func (s *Service) Statistics(ctx context.Context) (*Report, error) {
	st, err := s.stats.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Statistics:    st,
		TotalMessages: s.catalog.Len(),
		APIVersion:    APIVersion,
		Status:        "operational",
		DemoMode:      st.Mode == ModeDegraded,
		UptimeSeconds: s.now().Sub(s.started).Seconds(),
	}
	if report.DemoMode {
		report.Status = "degraded"
	}
	s.mu.RLock()
	if !s.lastAccepted.IsZero() {
		last := s.lastAccepted
		report.LastSubmission = &last
	}
	s.mu.RUnlock()
	return report, nil
}

// Submissions pages newest first. Clamping limit is up to the caller.
func (s *Service) Submissions(ctx context.Context, limit, offset int) (*SubmissionList, error) {
	if limit < 1 {
		return nil, validationErrorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return nil, validationErrorf("offset must not be negative, got %d", offset)
	}

	page, mode, err := s.gateway.Page(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	return &SubmissionList{
		Submissions: page.Items,
		Total:       page.Total,
		Limit:       limit,
		Offset:      offset,
		HasMore:     int64(offset+len(page.Items)) < page.Total,
		Mode:        mode,
	}, nil
}

// Rollups returns the persisted app_statistics rows.
func (s *Service) Rollups(ctx context.Context) (Rollups, error) {
	return s.stats.Snapshot(ctx)
}

func (s *Service) Mode() Mode {
	return s.gateway.Mode()
}

func (s *Service) Health() database.Health {
	return s.gateway.Health()
}

func (s *Service) FallbackEnabled() bool {
	return s.gateway.fallback
}

func rejectReason(err error) string {
	var writeErr *WriteError
	switch {
	case IsValidationError(err):
		return "validation"
	case errors.Is(err, database.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, database.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.As(err, &writeErr):
		return "write_failure"
	default:
		return "internal"
	}
}
