package migrations

import (
	"os"
	"sort"
	"testing"

	"troublepainter/database"
	"troublepainter/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMigrationIDsAreOrderedAndUnique(t *testing.T) {
	list := All(nil)
	ids := make([]string, 0, len(list))
	seen := map[string]bool{}
	for _, m := range list {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		assert.NotNil(t, m.Up)
		ids = append(ids, m.ID)
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestRunIsIdempotent(t *testing.T) {
	dsn := os.Getenv("TROUBLEPAINTER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TROUBLEPAINTER_TEST_POSTGRES_DSN not set")
	}
	db, err := database.OpenPostgreSQL(dsn, zap.NewNop())
	require.NoError(t, err)

	words := []string{"migration-test-kite", "migration-test-moon"}
	_, err = Run(db, All(words), zap.NewNop())
	require.NoError(t, err)

	applied, err := Run(db, All(words), zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, applied)

	// 既に適用済みのDBでも単語の投入だけは重複せずに繰り返せる
	require.NoError(t, seedWords(db, words))
	require.NoError(t, seedWords(db, words))
	var count int64
	require.NoError(t, db.Model(&models.Word{}).Where("text IN ?", words).Count(&count).Error)
	assert.Equal(t, int64(2), count)
	assert.True(t, db.Migrator().HasTable(&models.Stroke{}))
	assert.True(t, db.Migrator().HasTable(&models.Vote{}))
}
