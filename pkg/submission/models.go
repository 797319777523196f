package submission

import (
	"time"

	"gorm.io/datatypes"
)

// Mode tells callers whether a result came from the durable store.
type Mode string

const (
	ModeDurable  Mode = "durable"
	ModeDegraded Mode = "degraded"
)

// Submission is one accepted item. Rows are only ever inserted and read.
type Submission struct {
	ID             int64          `json:"-" gorm:"primaryKey;autoIncrement;column:id"`
	SubmissionID   string         `json:"submission_id" gorm:"column:submission_id;size:100;not null;uniqueIndex:idx_submission_id"`
	FirstName      string         `json:"first_name" gorm:"column:first_name;size:50;not null"`
	LastName       string         `json:"last_name" gorm:"column:last_name;size:50;not null"`
	Message        string         `json:"message" gorm:"column:message;size:500;not null"`
	BatchID        *string        `json:"batch_id" gorm:"column:batch_id;size:100;index:idx_batch_id"`
	ExternalData   datatypes.JSON `json:"external_data,omitempty" gorm:"column:external_data"`
	ProcessingTime float64        `json:"processing_time" gorm:"column:processing_time"`
	CreatedAt      time.Time      `json:"created_at" gorm:"column:created_at;not null;index:idx_created_at"`
}

func (Submission) TableName() string {
	return "submissions"
}

// Statistic is a named rollup value, upserted by name.
type Statistic struct {
	ID        int64     `json:"-" gorm:"primaryKey;autoIncrement;column:id"`
	Name      string    `json:"stat_name" gorm:"column:stat_name;size:100;not null;uniqueIndex:idx_stat_name"`
	Value     string    `json:"stat_value" gorm:"column:stat_value;type:text"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;not null;index:idx_updated_at"`
}

func (Statistic) TableName() string {
	return "app_statistics"
}

// Models lists the tables the provisioner creates.
func Models() []interface{} {
	return []interface{}{&Submission{}, &Statistic{}}
}

// Stats are the raw aggregates a store computes over its records.
type Stats struct {
	Total  int64
	Recent int64
	// AvgProcessingTime covers records with a positive processing time only.
	AvgProcessingTime float64
	// Latest is nil when the store is empty.
	Latest *Submission
}

type Page struct {
	Items []Submission
	Total int64
}
