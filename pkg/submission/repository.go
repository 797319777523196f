package submission

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Conns hands out a pooled connection for the duration of fn.
type Conns interface {
	WithConn(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Repository is the durable Store. Every call goes through a scoped
// connection so it is back in the pool on return.
type Repository struct {
	conns Conns
	now   func() time.Time
}

func NewRepository(conns Conns) *Repository {
	return &Repository{conns: conns, now: time.Now}
}

func (r *Repository) Insert(ctx context.Context, rec *Submission) error {
	return r.conns.WithConn(ctx, func(tx *gorm.DB) error {
		rec.CreatedAt = r.now().UTC()
		return tx.Create(rec).Error
	})
}

// InsertBatch commits all records in one transaction. The failing item is
// reported as a BatchError.
func (r *Repository) InsertBatch(ctx context.Context, recs []*Submission) error {
	return r.conns.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			createdAt := r.now().UTC()
			for i, rec := range recs {
				rec.CreatedAt = createdAt
				if err := tx.Create(rec).Error; err != nil {
					return &BatchError{Index: i, Err: err}
				}
			}
			return nil
		})
	})
}

type aggregateRow struct {
	Total  int64
	Recent int64
	Avg    sql.NullFloat64
}

func (r *Repository) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats
	err := r.conns.WithConn(ctx, func(tx *gorm.DB) error {
		var row aggregateRow
		err := tx.Model(&Submission{}).
			Select("COUNT(*) AS total, "+
				"COUNT(*) FILTER (WHERE created_at >= ?) AS recent, "+
				"AVG(processing_time) FILTER (WHERE processing_time > 0) AS avg", since.UTC()).
			Scan(&row).Error
		if err != nil {
			return err
		}
		st.Total = row.Total
		st.Recent = row.Recent
		if row.Avg.Valid {
			st.AvgProcessingTime = row.Avg.Float64
		}

		var latest []Submission
		if err := tx.Order("created_at DESC, id DESC").Limit(1).Find(&latest).Error; err != nil {
			return err
		}
		if len(latest) > 0 {
			st.Latest = &latest[0]
		}
		return nil
	})
	return st, err
}

func (r *Repository) Page(ctx context.Context, limit, offset int) (Page, error) {
	page := Page{Items: []Submission{}}
	err := r.conns.WithConn(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&Submission{}).Count(&page.Total).Error; err != nil {
			return err
		}
		if limit <= 0 || int64(offset) >= page.Total {
			return nil
		}
		return tx.Order("created_at DESC, id DESC").
			Limit(limit).
			Offset(offset).
			Find(&page.Items).Error
	})
	return page, err
}

// SaveStatistics upserts rollups by name.
func (r *Repository) SaveStatistics(ctx context.Context, stats []Statistic) error {
	if len(stats) == 0 {
		return nil
	}
	return r.conns.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stat_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"stat_value", "updated_at"}),
		}).Create(&stats).Error
	})
}

func (r *Repository) LoadStatistics(ctx context.Context) ([]Statistic, error) {
	var stats []Statistic
	err := r.conns.WithConn(ctx, func(tx *gorm.DB) error {
		return tx.Order("stat_name").Find(&stats).Error
	})
	return stats, err
}
