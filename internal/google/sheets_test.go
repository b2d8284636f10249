package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sparkles/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func setupMockServer(t *testing.T) (*http.ServeMux, *SheetsService) {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	srv, err := sheets.NewService(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	s := newSheetsService(srv, "sid", "")
	s.now = func() time.Time { return fixedNow }
	return mux, s
}

func decodeValues(t *testing.T, r *http.Request) [][]interface{} {
	t.Helper()
	var vr sheets.ValueRange
	require.NoError(t, json.NewDecoder(r.Body).Decode(&vr))
	return vr.Values
}

func testEvent() *models.PendingEvent {
	return &models.PendingEvent{
		ID:        "e-1",
		Kind:      models.KindSend,
		AccountID: 7,
		FireAt:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Status:    models.StatusFailed,
		LastError: "boom",
		Attempts:  2,
		UpdatedAt: time.Date(2026, 3, 2, 10, 0, 1, 0, time.UTC),
	}
}

func TestSheetsService_TestConnection(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"ID"}}})
	})
	assert.NoError(t, s.TestConnection(context.Background()))
}

func TestSheetsService_AppendCachesRow(t *testing.T) {
	mux, s := setupMockServer(t)
	var got [][]interface{}
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A:A:append", func(w http.ResponseWriter, r *http.Request) {
		got = decodeValues(t, r)
		_ = json.NewEncoder(w).Encode(sheets.AppendValuesResponse{
			Updates: &sheets.UpdateValuesResponse{UpdatedRange: "Events!A10:H10"},
		})
	})

	require.NoError(t, s.AppendEvent(context.Background(), testEvent()))
	row, ok := s.getCachedRow("e-1")
	assert.True(t, ok)
	assert.Equal(t, 10, row)

	require.Len(t, got, 1)
	assert.Equal(t, []interface{}{"e-1", "send", float64(7), "2026-03-02 10:00:00", "failed", "boom", float64(2), "2026-03-02 10:00:01"}, got[0])
}

func TestSheetsService_UpsertLooksUpRow(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A:A", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"ID"}, {"e-0"}, {"e-1"}}})
	})
	updated := false
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A3:H3", func(w http.ResponseWriter, r *http.Request) {
		updated = true
		_ = json.NewEncoder(w).Encode(sheets.UpdateValuesResponse{})
	})

	require.NoError(t, s.UpsertEvent(context.Background(), testEvent()))
	assert.True(t, updated)
}

func TestSheetsService_UpdateEventStatus(t *testing.T) {
	mux, s := setupMockServer(t)
	s.setCachedRow("e-1", 4)
	var got [][]interface{}
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!E4:H4", func(w http.ResponseWriter, r *http.Request) {
		got = decodeValues(t, r)
		_ = json.NewEncoder(w).Encode(sheets.UpdateValuesResponse{})
	})

	require.NoError(t, s.UpdateEventStatus(context.Background(), "e-1", models.StatusDone, "", 1))
	assert.Equal(t, [][]interface{}{{"done", "", float64(1), "2026-03-02 09:30:00"}}, got)

	_, err := s.FindEventRow(context.Background(), "")
	assert.Error(t, err)
}

func TestSheetsService_DeleteEventRow(t *testing.T) {
	mux, s := setupMockServer(t)
	s.setCachedRow("e-1", 3)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A3:H3:clear", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ClearValuesResponse{})
	})

	require.NoError(t, s.DeleteEventRow(context.Background(), "e-1"))
	_, ok := s.getCachedRow("e-1")
	assert.False(t, ok)
}

func TestSheetsService_MissingRow(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A:A", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"ID"}}})
	})
	assert.ErrorIs(t, s.DeleteEventRow(context.Background(), "nope"), ErrRowNotFound)
}

func TestSheetsService_ReplaceEvents(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A:H:clear", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ClearValuesResponse{})
	})
	var got [][]interface{}
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A1:H3", func(w http.ResponseWriter, r *http.Request) {
		got = decodeValues(t, r)
		_ = json.NewEncoder(w).Encode(sheets.UpdateValuesResponse{})
	})

	second := *testEvent()
	second.ID = "e-2"
	require.NoError(t, s.ReplaceEvents(context.Background(), []models.PendingEvent{*testEvent(), second}))
	require.Len(t, got, 3)
	assert.Equal(t, "ID", got[0][0])

	row, ok := s.getCachedRow("e-2")
	assert.True(t, ok)
	assert.Equal(t, 3, row)
}

func TestWarmUpCacheSkipsHeader(t *testing.T) {
	mux, s := setupMockServer(t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Events!A:A", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"ID"}, {"a"}, {}, {"b"}}})
	})
	require.NoError(t, s.WarmUpCache(context.Background()))

	_, ok := s.getCachedRow("ID")
	assert.False(t, ok)
	row, _ := s.getCachedRow("b")
	assert.Equal(t, 4, row)
}

func TestFirstRow(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"Events!A10:H10", 10, true},
		{"'My Sheet'!B2", 2, true},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		got, ok := firstRow(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestServiceAccountEmail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"client_email":"mirror@project.iam.gserviceaccount.com"}`), 0o600))

	email, err := ServiceAccountEmail(path)
	require.NoError(t, err)
	assert.Equal(t, "mirror@project.iam.gserviceaccount.com", email)

	_, err = ServiceAccountEmail(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
