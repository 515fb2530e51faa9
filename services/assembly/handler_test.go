package assembly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/instantcocoa/loom/pkg/testutil"
)

func newTestServer(t *testing.T) (*Engine, *MemoryLog, *echo.Echo) {
	t.Helper()
	log := NewMemoryLog()
	engine := newTestEngine(t, log, Config{})
	h := NewHandler(engine, log, 24*time.Hour, testutil.DiscardLogger())
	e := echo.New()
	h.Register(e)
	return engine, log, e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GetSessions(t *testing.T) {
	engine, _, e := newTestServer(t)

	t.Run("empty forest", func(t *testing.T) {
		rec := doJSON(t, e, http.MethodGet, "/v1/sessions", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp SessionsResponse
		testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		if resp.Revision != 0 || len(resp.Sessions) != 0 {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("populated forest", func(t *testing.T) {
		engine.Patch(context.Background(), recFor("a1", ActionModelRequest, "conv-A", "", ts(0)))
		engine.Patch(context.Background(), recFor("sp1", ActionSubagentSpawn, "conv-B", "conv-A", ts(1)))

		rec := doJSON(t, e, http.MethodGet, "/v1/sessions", "")
		var resp SessionsResponse
		testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		if resp.Revision != 2 {
			t.Errorf("revision = %d, want 2", resp.Revision)
		}
		if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "conv-A" {
			t.Fatalf("sessions = %+v", resp.Sessions)
		}
		if len(resp.Sessions[0].Children) != 1 {
			t.Errorf("children = %+v", resp.Sessions[0].Children)
		}
	})
}

func TestHandler_AppendSpan(t *testing.T) {
	_, log, e := newTestServer(t)

	t.Run("valid span", func(t *testing.T) {
		body := `{"action":"tool_call","context":{"conversation_id":"conv-A"}}`
		rec := doJSON(t, e, http.MethodPost, "/v1/spans", body)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
		}
		if log.Len() != 1 {
			t.Errorf("log rows = %d, want 1", log.Len())
		}
	})

	t.Run("missing action", func(t *testing.T) {
		rec := doJSON(t, e, http.MethodPost, "/v1/spans", `{"id":"x"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := doJSON(t, e, http.MethodPost, "/v1/spans", `{not json`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHandler_Resync(t *testing.T) {
	_, log, e := newTestServer(t)

	ctx := context.Background()
	testutil.RequireNoError(t, log.Append(ctx, recFor("a1", ActionModelRequest, "conv-A", "", time.Now().UTC())))

	t.Run("default window", func(t *testing.T) {
		rec := doJSON(t, e, http.MethodPost, "/v1/resync", `{}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var resp map[string]uint64
		testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		if resp["revision"] == 0 {
			t.Error("resync should publish a revision")
		}
	})

	t.Run("inverted window", func(t *testing.T) {
		body := `{"since":"2026-03-14T10:00:00Z","until":"2026-03-14T09:00:00Z"}`
		rec := doJSON(t, e, http.MethodPost, "/v1/resync", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHandler_Reset(t *testing.T) {
	engine, _, e := newTestServer(t)
	engine.Patch(context.Background(), recFor("a1", ActionModelRequest, "conv-A", "", ts(0)))

	rec := doJSON(t, e, http.MethodPost, "/v1/reset", `{"max_sessions":50}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if engine.Stats().Sessions != 0 {
		t.Error("reset should clear sessions")
	}
}

func TestHandler_RevisionAndHealth(t *testing.T) {
	engine, _, e := newTestServer(t)
	engine.Patch(context.Background(), recFor("a1", ActionModelRequest, "conv-A", "", ts(0)))

	rec := doJSON(t, e, http.MethodGet, "/v1/revision", "")
	var rev map[string]uint64
	testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &rev))
	if rev["revision"] != 1 {
		t.Errorf("revision = %d, want 1", rev["revision"])
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/health", "")
	var stats Stats
	testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	if stats.Sessions != 1 || stats.Revision != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Live {
		t.Error("live should be false without a running feed")
	}
}

func TestHandler_Promoted(t *testing.T) {
	engine, _, e := newTestServer(t)
	engine.Patch(context.Background(), recFor("a1", ActionModelRequest, "conv-A", "", ts(0)))
	engine.Patch(context.Background(), recFor("sp1", ActionSubagentSpawn, "conv-B", "conv-A", ts(1)))

	rec := doJSON(t, e, http.MethodGet, "/v1/promoted", "")
	var resp map[string][]string
	testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	if len(resp["promoted"]) != 1 || resp["promoted"][0] != "conv-A" {
		t.Errorf("promoted = %v, want [conv-A]", resp["promoted"])
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/promoted", "")
	testutil.RequireNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	if len(resp["promoted"]) != 0 {
		t.Errorf("promoted should be consumed, got %v", resp["promoted"])
	}
}

func TestHandler_Watch(t *testing.T) {
	engine, _, e := newTestServer(t)

	srv := httptest.NewServer(e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	testutil.RequireNoError(t, err, "dialing watch endpoint")
	defer conn.Close()

	// Give the server a moment to register the watcher.
	testutil.WaitFor(t, 2*time.Second, func() bool {
		engine.Patch(context.Background(), recFor("a1", ActionModelRequest, "conv-A", "", ts(0)))
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var upd Update
		return conn.ReadJSON(&upd) == nil && upd.Revision > 0
	}, "watch delivers updates")
}
