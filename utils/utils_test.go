package utils

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockReaper struct {
	mock.Mock
}

func (m *mockReaper) Reap(olderThan time.Duration) (int, int) {
	args := m.Called(olderThan)
	return args.Int(0), args.Int(1)
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) AbandonStaleGames(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockArchive) PurgeEndedGames(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func TestCronCleanerRunsJobs(t *testing.T) {
	reaper := &mockReaper{}
	reaper.On("Reap", 30*time.Minute).Return(1, 2)
	archive := &mockArchive{}
	archive.On("AbandonStaleGames", mock.Anything, mock.Anything).Return(int64(0), nil)
	archive.On("PurgeEndedGames", mock.Anything, mock.MatchedBy(func(before time.Time) bool {
		return time.Since(before) > 47*time.Hour
	})).Return(int64(3), nil)

	c, err := CronCleaner(reaper, archive, CleanerConfig{RoomIdleTTL: 30 * time.Minute, ArchiveRetention: 48 * time.Hour}, zap.NewNop())
	require.NoError(t, err)
	defer c.Stop()

	entries := c.Entries()
	require.Len(t, entries, 3)
	for _, e := range entries {
		e.Job.Run()
	}
	reaper.AssertExpectations(t)
	archive.AssertExpectations(t)
}

func TestCronCleanerWithoutArchive(t *testing.T) {
	reaper := &mockReaper{}
	c, err := CronCleaner(reaper, nil, CleanerConfig{RoomIdleTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	defer c.Stop()
	assert.Len(t, c.Entries(), 1)
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/boom"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "/ok", entries[0].ContextMap()["path"])
	assert.Equal(t, int64(http.StatusNoContent), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestInitLogger(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		logger, err := InitLogger(verbose)
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}
}
