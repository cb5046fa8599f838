package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdmin struct{}

func (stubAdmin) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(&Config{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, stubAdmin{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)

	code, body := get(t, ts.URL+"/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"alive"}`, body)

	code, body = get(t, ts.URL+"/admin/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get(t, ts.URL+"/debug/pprof/")
	assert.Equal(t, http.StatusNotFound, code, "pprof is off by default")
}

func TestServer_DrainUndrain(t *testing.T) {
	_, ts := newTestServer(t)

	code, _ := get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)

	_, body := get(t, ts.URL+"/drain")
	assert.JSONEq(t, `{"status":"draining"}`, body)
	_, body = get(t, ts.URL+"/drain")
	assert.JSONEq(t, `{"status":"already draining"}`, body)

	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, body = get(t, ts.URL+"/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, body)
	_, body = get(t, ts.URL+"/undrain")
	assert.JSONEq(t, `{"status":"already ready"}`, body)

	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestDefaultConfig(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig("127.0.0.1:8080", log)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Same(t, log, cfg.Log)
	assert.Positive(t, cfg.GracefulShutdownDuration)
	assert.Positive(t, cfg.ReadTimeout)
	assert.Positive(t, cfg.WriteTimeout)
	assert.Zero(t, cfg.DrainDuration)
	assert.False(t, cfg.EnablePprof)
}
