package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/internal/api/middleware"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestLogger_EmitsOrgScopedLine(t *testing.T) {
	buf := captureLogs(t)

	handler := middleware.OrgExtractor(middleware.Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("X-Org-Id", "acme")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	line := buf.String()
	for _, want := range []string{`"org_id":"acme"`, `"path":"/api/v1/tools"`, `"status":200`, `"level":"info"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestLogger_EscalatesLevelByStatus(t *testing.T) {
	buf := captureLogs(t)

	serve := func(status int) {
		handler := middleware.OrgExtractor(middleware.Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})))
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	serve(http.StatusNotFound)
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("404 line not warn: %s", buf.String())
	}

	buf.Reset()
	serve(http.StatusBadGateway)
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("502 line not error: %s", buf.String())
	}
}
