package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/incentive-engine/internal/config"
	"github.com/atmx/incentive-engine/internal/scheduler"
)

func TestBuildAndRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.close()

	router := newRouter(a.validator, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/weights", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []scheduler.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	assert.Len(t, tasks, 5)
}

func TestBuild_RejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "store:\n  driver: memory\nidentity:\n  private_key: not-hex\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, err = build(context.Background(), cfg, nil)
	assert.Error(t, err)
}
