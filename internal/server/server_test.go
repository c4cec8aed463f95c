package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/meterline/internal/config"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	pending int64
	batches []ledgerdomain.QueuedBatch
	err     error
}

func (s *stubRepo) InsertRows(context.Context, []ledgerdomain.UsageLogRow) error { return nil }
func (s *stubRepo) CountPending(context.Context) (int64, error)                 { return s.pending, s.err }
func (s *stubRepo) ClaimWindow(context.Context, string, int, time.Time) (int64, error) {
	return 0, nil
}
func (s *stubRepo) AggregateByBatch(context.Context, string) ([]ledgerdomain.OrgTotal, error) {
	return nil, nil
}
func (s *stubRepo) CountOrganizations(context.Context, string) (int64, error) { return 0, nil }
func (s *stubRepo) ListQueuedBatches(context.Context) ([]ledgerdomain.QueuedBatch, error) {
	return s.batches, s.err
}
func (s *stubRepo) ConfirmBatch(context.Context, string, time.Time) error { return nil }
func (s *stubRepo) FinalizeBatch(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}
func (s *stubRepo) RevertBatch(context.Context, string, time.Time) (int64, error) { return 0, nil }
func (s *stubRepo) RevertOrganization(context.Context, string, string, time.Time) (int64, error) {
	return 0, nil
}

func TestHealthEndpoint(t *testing.T) {
	engine := NewEngine(config.Config{Environment: "test"}, &stubRepo{})

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/health", nil)
	require.NoError(t, err)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	engine := NewEngine(config.Config{Environment: "test"}, &stubRepo{
		pending: 42,
		batches: []ledgerdomain.QueuedBatch{{BatchID: "b1", Confirmed: true}},
	})

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/status", nil)
	require.NoError(t, err)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pendingRows":42,"inFlightBatches":1}`, w.Body.String())
}

func TestStatusEndpointLedgerDown(t *testing.T) {
	engine := NewEngine(config.Config{Environment: "test"}, &stubRepo{err: errors.New("down")})

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/status", nil)
	require.NoError(t, err)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
