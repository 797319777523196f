package submission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is implemented by both the durable repository and the in-memory
// fallback; the two must compute Stats identically over the same records.
type Store interface {
	Insert(ctx context.Context, rec *Submission) error
	InsertBatch(ctx context.Context, recs []*Submission) error
	// Stats counts records created at or after since as recent.
	Stats(ctx context.Context, since time.Time) (Stats, error)
	Page(ctx context.Context, limit, offset int) (Page, error)
}

// MemoryStore keeps submissions in process memory while the durable store is
// unreachable. Contents are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Submission
	ids     map[string]struct{}
	nextID  int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{}), now: time.Now}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Submission) error {
	return s.InsertBatch(ctx, []*Submission{rec})
}

// InsertBatch appends all records or none of them.
func (s *MemoryStore) InsertBatch(_ context.Context, recs []*Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(recs))
	for i, rec := range recs {
		if _, ok := s.ids[rec.SubmissionID]; ok {
			return &BatchError{Index: i, Err: fmt.Errorf("%w %s", errDuplicateID, rec.SubmissionID)}
		}
		if _, ok := seen[rec.SubmissionID]; ok {
			return &BatchError{Index: i, Err: fmt.Errorf("%w %s", errDuplicateID, rec.SubmissionID)}
		}
		seen[rec.SubmissionID] = struct{}{}
	}

	for _, rec := range recs {
		s.nextID++
		rec.ID = s.nextID
		rec.CreatedAt = s.stamp()
		s.records = append(s.records, *rec)
		s.ids[rec.SubmissionID] = struct{}{}
	}
	return nil
}

// stamp never goes backwards relative to the last stored record.
func (s *MemoryStore) stamp() time.Time {
	now := s.now().UTC()
	if n := len(s.records); n > 0 && now.Before(s.records[n-1].CreatedAt) {
		return s.records[n-1].CreatedAt
	}
	return now
}

func (s *MemoryStore) Stats(_ context.Context, since time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	var sum float64
	var measured int64
	for i := range s.records {
		rec := &s.records[i]
		st.Total++
		if !rec.CreatedAt.Before(since) {
			st.Recent++
		}
		if rec.ProcessingTime > 0 {
			sum += rec.ProcessingTime
			measured++
		}
	}
	if measured > 0 {
		st.AvgProcessingTime = sum / float64(measured)
	}
	if n := len(s.records); n > 0 {
		latest := s.records[n-1]
		st.Latest = &latest
	}
	return st, nil
}

// Page returns records newest first. Records are appended in createdAt
// order, so walking the slice backwards is createdAt DESC, id DESC.
func (s *MemoryStore) Page(_ context.Context, limit, offset int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.records)
	page := Page{Total: int64(total), Items: []Submission{}}
	if offset < 0 || offset >= total || limit <= 0 {
		return page, nil
	}
	end := total - offset
	start := end - limit
	if start < 0 {
		start = 0
	}
	for i := end - 1; i >= start; i-- {
		page.Items = append(page.Items, s.records[i])
	}
	return page, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
