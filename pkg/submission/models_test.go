package submission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestModelIndexes(t *testing.T) {
	cache := &sync.Map{}
	tests := []struct {
		model  interface{}
		table  string
		unique []string
		plain  []string
	}{
		{&Submission{}, "submissions", []string{"idx_submission_id"}, []string{"idx_batch_id", "idx_created_at"}},
		{&Statistic{}, "app_statistics", []string{"idx_stat_name"}, []string{"idx_updated_at"}},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			s, err := schema.Parse(tt.model, cache, schema.NamingStrategy{})
			require.NoError(t, err)
			assert.Equal(t, tt.table, s.Table)
			for _, name := range tt.unique {
				idx := s.LookIndex(name)
				require.NotNil(t, idx, name)
				assert.Equal(t, "UNIQUE", idx.Class, name)
			}
			for _, name := range tt.plain {
				idx := s.LookIndex(name)
				require.NotNil(t, idx, name)
				assert.Empty(t, idx.Class, name)
			}
		})
	}
}
