package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/internal/ws"
)

func TestHealthHandler_ReportsSessions(t *testing.T) {
	hub := ws.NewHub(ws.Stores{}, nil, nil, ws.Options{})
	hub.Registry().Register(1, hub.NewClient(nil, 0))
	hub.Registry().Register(2, hub.NewClient(nil, 0))

	rec := httptest.NewRecorder()
	healthHandler(hub.Registry())(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Sessions)
}
