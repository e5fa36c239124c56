package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"npt-ingest-backend/config"
	"npt-ingest-backend/internal/db"
	"npt-ingest-backend/internal/ingest"
	"npt-ingest-backend/internal/model"
	"npt-ingest-backend/internal/store"
)

func newTestRouter(t *testing.T) (http.Handler, store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	s := store.NewGormStore(gormDB)

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Ingest.OverflowDir = t.TempDir()

	ing, err := ingest.New(cfg, s)
	require.NoError(t, err)

	return NewRouter(ing, s, &cfg.Server), s
}

func TestHealthzReportsBrokerDown(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// The test ingestor never connects, so health must degrade.
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["broker_connected"])
	assert.Contains(t, body, "queue_depths")
	assert.Contains(t, body, "overflow_pending")
}

func TestStatsExposesCounters(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Counters    map[string]int64 `json:"counters"`
		QueueDepths map[string]int   `json:"queue_depths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Counters, "status_received")
	assert.Equal(t, 0, body.QueueDepths["status_off"])
}

func TestRecentIntervals(t *testing.T) {
	router, s := newTestRouter(t)

	onTime := time.Now()
	require.NoError(t, s.DB().Create(&model.NptInterval{McNo: "mc-1", OffTime: onTime.Add(-10 * time.Minute), OnTime: &onTime}).Error)
	require.NoError(t, s.DB().Create(&model.NptInterval{McNo: "mc-2", OffTime: onTime.Add(-5 * time.Minute)}).Error)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/intervals/recent?limit=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var intervals []model.NptInterval
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &intervals))
	require.Len(t, intervals, 1)
	assert.Equal(t, "mc-2", intervals[0].McNo, "newest interval first")
}
