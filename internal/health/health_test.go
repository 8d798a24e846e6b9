package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ReportsCurrentWorkerCount(t *testing.T) {
	count := 3
	s := New(":0", func() int { return count })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Workers)
}

func TestHandler_RespondsRegardlessOfPathOrMethod(t *testing.T) {
	s := New(":0", func() int { return 0 })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/anything", nil)
	s.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdown_NoOpOnNeverStartedServer(t *testing.T) {
	s := New(":0", func() int { return 0 })
	err := s.Shutdown(context.Background())
	assert.NoError(t, err)
}
