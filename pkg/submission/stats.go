package submission

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/randomcorp/platform/pkg/common/logger"
)

// RecentWindow is the lookback for recent_submissions, measured from the
// time of the query.
const RecentWindow = 24 * time.Hour

// Rollup names persisted in app_statistics.
const (
	StatTotalSubmissions  = "total_submissions"
	StatRecentSubmissions = "recent_submissions"
	StatAvgProcessingTime = "avg_processing_time"
	StatLastSubmissionAt  = "last_submission_at"
)

type LatestSubmission struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

type Statistics struct {
	TotalSubmissions  int64             `json:"total_submissions"`
	RecentSubmissions int64             `json:"recent_submissions"`
	AvgProcessingTime float64           `json:"avg_processing_time"`
	LatestSubmission  *LatestSubmission `json:"latest_submission"`
	Mode              Mode              `json:"mode"`
	ComputedAt        time.Time         `json:"last_updated"`
}

// Rollups is what app_statistics last recorded.
type Rollups struct {
	Values    map[string]string `json:"values"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Aggregator computes statistics from the active store. The aggregation is
// authoritative; the cache and app_statistics only ever hold its output.
type Aggregator struct {
	gateway *Gateway
	cache   StatsCache
	now     func() time.Time

	// writes counts invalidations; a snapshot computed across one of them
	// is never left in the cache.
	writes atomic.Uint64
}

// NewAggregator accepts a nil cache.
func NewAggregator(gateway *Gateway, cache StatsCache) *Aggregator {
	return &Aggregator{gateway: gateway, cache: cache, now: time.Now}
}

// Statistics serves durable numbers from the cache when it has them.
// Degraded numbers are always computed fresh.
func (a *Aggregator) Statistics(ctx context.Context) (Statistics, error) {
	if a.cache != nil && a.gateway.Mode() == ModeDurable {
		cached, err := a.cache.Get(ctx)
		if err != nil {
			logger.WithError(err).Warn("stats cache unavailable")
		} else if cached != nil {
			return *cached, nil
		}
	}

	gen := a.writes.Load()
	st, err := a.Compute(ctx)
	if err != nil {
		return Statistics{}, err
	}
	if a.cache != nil && st.Mode == ModeDurable && a.writes.Load() == gen {
		if err := a.cache.Set(ctx, st); err != nil {
			logger.WithError(err).Warn("failed to cache statistics")
		}
		// a write raced the Set; drop what was just stored
		if a.writes.Load() != gen {
			a.dropCache(ctx)
		}
	}
	return st, nil
}

// Compute runs the aggregation, bypassing the cache.
func (a *Aggregator) Compute(ctx context.Context) (Statistics, error) {
	now := a.now().UTC()
	raw, mode, err := a.gateway.Stats(ctx, now.Add(-RecentWindow))
	if err != nil {
		return Statistics{}, fmt.Errorf("computing statistics: %w", err)
	}

	st := Statistics{
		TotalSubmissions:  raw.Total,
		RecentSubmissions: raw.Recent,
		AvgProcessingTime: round3(raw.AvgProcessingTime),
		Mode:              mode,
		ComputedAt:        now,
	}
	if raw.Latest != nil {
		st.LatestSubmission = &LatestSubmission{
			ID:        raw.Latest.SubmissionID,
			Name:      raw.Latest.FirstName + " " + raw.Latest.LastName,
			Timestamp: raw.Latest.CreatedAt,
		}
	}
	return st, nil
}

// Invalidate drops the cached snapshot after a write.
func (a *Aggregator) Invalidate(ctx context.Context) {
	a.writes.Add(1)
	if a.cache == nil {
		return
	}
	a.dropCache(ctx)
}

func (a *Aggregator) dropCache(ctx context.Context) {
	if err := a.cache.Invalidate(ctx); err != nil {
		logger.WithError(err).Warn("failed to invalidate stats cache")
	}
}

// Refresh recomputes statistics and, in durable mode, writes them to
// app_statistics.
func (a *Aggregator) Refresh(ctx context.Context) error {
	st, err := a.Compute(ctx)
	if err != nil {
		return err
	}
	if st.Mode != ModeDurable {
		return nil
	}

	rows := []Statistic{
		{Name: StatTotalSubmissions, Value: strconv.FormatInt(st.TotalSubmissions, 10), UpdatedAt: st.ComputedAt},
		{Name: StatRecentSubmissions, Value: strconv.FormatInt(st.RecentSubmissions, 10), UpdatedAt: st.ComputedAt},
		{Name: StatAvgProcessingTime, Value: strconv.FormatFloat(st.AvgProcessingTime, 'f', 3, 64), UpdatedAt: st.ComputedAt},
	}
	if st.LatestSubmission != nil {
		rows = append(rows, Statistic{
			Name:      StatLastSubmissionAt,
			Value:     st.LatestSubmission.Timestamp.UTC().Format(time.RFC3339Nano),
			UpdatedAt: st.ComputedAt,
		})
	}
	if err := a.gateway.SaveStatistics(ctx, rows); err != nil {
		return fmt.Errorf("saving statistics: %w", err)
	}
	return nil
}

// Snapshot reads the persisted rollups. It needs the durable store.
func (a *Aggregator) Snapshot(ctx context.Context) (Rollups, error) {
	rows, err := a.gateway.LoadStatistics(ctx)
	if err != nil {
		return Rollups{}, err
	}
	out := Rollups{Values: make(map[string]string, len(rows))}
	for _, row := range rows {
		out.Values[row.Name] = row.Value
		if row.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = row.UpdatedAt
		}
	}
	return out, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
