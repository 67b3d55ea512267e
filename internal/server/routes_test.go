package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/gdbmux/internal/mi"
	"github.com/workspace/gdbmux/internal/persistence"
)

func doRequest(t *testing.T, h http.Handler, method, path, body, client string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if client != "" {
		req.Header.Set(clientIDHeader, client)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env.srv.Handler(), http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["controllers"])
}

func TestConnectSpawnsBackendAndMintsClientID(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env.srv.Handler(), http.MethodPost, "/connect", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[connectResponse](t, rec)
	assert.Equal(t, 1001, body.Pid)
	assert.False(t, body.UsingExisting)
	assert.False(t, body.Error)
	assert.Equal(t, "gdbmux spawned subprocess with pid 1001.", body.Message)
	require.NotEmpty(t, body.ClientID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, clientIDCookie, cookies[0].Name)
	assert.Equal(t, body.ClientID, cookies[0].Value)
	assert.Equal(t, []string{body.ClientID}, env.mux.ClientIDsForPid(1001))
}

func TestConnectSharesExistingBackend(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/connect", "", "client-A")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/connect", `{"gdbpid": 1001}`, "client-B")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[connectResponse](t, rec)
	assert.True(t, body.UsingExisting)
	assert.Equal(t, 1001, body.Pid)
	assert.Equal(t, "client-B", body.ClientID)
	assert.Empty(t, rec.Result().Cookies())
	assert.Equal(t, []string{"client-A", "client-B"}, env.mux.ClientIDsForPid(1001))
}

func TestConnectAllocationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.spawnErr = errors.New("exec: gdb: not found")

	rec := doRequest(t, env.srv.Handler(), http.MethodPost, "/connect", "", "client-A")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode[map[string]string](t, rec)
	assert.Contains(t, body["error"], "spawn gdb")
	assert.Contains(t, body["error"], "not found")
	assert.Zero(t, env.mux.Len())
}

func TestConnectRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env.srv.Handler(), http.MethodPost, "/connect", `{"gdbpid":`, "client-A")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.mux.Len())
}

func TestConnectAcceptsEmptyChunkedBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(""))
	req.ContentLength = -1
	req.Header.Set(clientIDHeader, "client-A")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, env.mux.Len())
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")
	rec := doRequest(t, h, http.MethodPost, "/disconnect", "", "client-A")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, env.mux.ClientIDsForPid(1001))
	assert.Equal(t, 1, env.mux.Len(), "backend keeps running")

	rec = doRequest(t, h, http.MethodPost, "/disconnect", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunGdbCommand(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/run_gdb_command", `{"cmd": "-exec-run"}`, "client-A")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "gdb is not running", decode[map[string]string](t, rec)["error"])

	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")

	rec = doRequest(t, h, http.MethodPost, "/run_gdb_command", `{"cmd": "-exec-run"}`, "client-A")
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]mi.Record](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, mi.TypeResult, records[0].Type)

	rec = doRequest(t, h, http.MethodPost, "/run_gdb_command", `{"cmd": ["-break-insert main", "-exec-continue"]}`, "client-A")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"-exec-run", "-break-insert main", "-exec-continue"}, env.launcher.backend(0).Written())
}

func TestRunGdbCommandValidation(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()
	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")

	tests := []struct {
		name string
		body string
	}{
		{"missing", `{}`},
		{"empty list", `{"cmd": []}`},
		{"wrong type", `{"cmd": 5}`},
		{"not json", `cmd=run`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/run_gdb_command", tt.body, "client-A")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRunGdbCommandBackendClosed(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()
	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")
	env.launcher.backend(0).close()

	rec := doRequest(t, h, http.MethodPost, "/run_gdb_command", `{"cmd": "-exec-run"}`, "client-A")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetGdbResponse(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()
	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")

	env.launcher.backend(0).push(
		mi.Record{Type: mi.TypeNotify, Message: "stopped", Stream: "stdout"},
		mi.Record{Type: mi.TypeConsole, Payload: "Breakpoint 1\n", Stream: "stdout"},
	)

	rec := doRequest(t, h, http.MethodGet, "/get_gdb_response", "", "client-A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]mi.Record](t, rec), 2)

	rec = doRequest(t, h, http.MethodGet, "/get_gdb_response", "", "client-A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/get_gdb_response", "", "client-B")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGdbConsole(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/gdb_console", "", "client-A")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")
	rec = doRequest(t, h, http.MethodGet, "/gdb_console", "", "client-A")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]interface{}](t, rec)
	assert.EqualValues(t, 1001, body["pid"])
	assert.Contains(t, body["output"], "GNU gdb")
	assert.EqualValues(t, len(fakeConsole), body["output_total"])

	rec = doRequest(t, h, http.MethodGet, "/gdb_console?bytes=5", "", "client-A")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[map[string]interface{}](t, rec)
	assert.Equal(t, "14.2\n", body["output"])

	rec = doRequest(t, h, http.MethodGet, "/gdb_console?bytes=-1", "", "client-A")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExitedGdbIsNotJoinable(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")
	env.launcher.terminal(0).exit()
	require.Eventually(t, func() bool { return env.mux.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	rec := doRequest(t, h, http.MethodPost, "/run_gdb_command", `{"cmd": "-exec-run"}`, "client-A")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/connect", `{"gdbpid": 1001}`, "client-B")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[connectResponse](t, rec)
	assert.True(t, body.Error)
	assert.False(t, body.UsingExisting)
	assert.Equal(t, 1002, body.Pid)
}

func TestKillSession(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()
	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")
	doRequest(t, h, http.MethodPost, "/connect", `{"gdbpid": 1001}`, "client-B")

	rec := doRequest(t, h, http.MethodPost, "/kill_session", `{"gdbpid": 1001}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Orphaned []string `json:"orphaned_client_ids"`
	}](t, rec)
	assert.Equal(t, []string{"client-A", "client-B"}, body.Orphaned)
	assert.Zero(t, env.mux.Len())

	rec = doRequest(t, h, http.MethodPost, "/kill_session", `{"gdbpid": 1001}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"orphaned_client_ids":[]`)

	rec = doRequest(t, h, http.MethodPost, "/kill_session", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadFile(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	path := filepath.Join(t.TempDir(), "main.c")
	require.NoError(t, os.WriteFile(path, []byte("int main(void)\n{\n\treturn 0;\n}\n"), 0o644))

	rec := doRequest(t, h, http.MethodGet, "/read_file?path="+path, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		SourceCode []string `json:"source_code"`
		Path       string   `json:"path"`
	}](t, rec)
	assert.Equal(t, []string{"int main(void)", "{", "\treturn 0;", "}"}, body.SourceCode)
	assert.Equal(t, path, body.Path)

	rec = doRequest(t, h, http.MethodGet, "/read_file?path="+path+"&start_line=2&end_line=3", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source_code":["{","\treturn 0;"]`)

	missing := filepath.Join(t.TempDir(), "nope.c")
	rec = doRequest(t, h, http.MethodGet, "/read_file?path="+missing, "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "File not found: "+missing, decode[map[string]string](t, rec)["error"])

	rec = doRequest(t, h, http.MethodGet, "/read_file", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/read_file?path="+path+"&start_line=x", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/dashboard", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")
	doRequest(t, h, http.MethodPost, "/connect", "", "client-B")
	doRequest(t, h, http.MethodPost, "/connect", `{"gdbpid": 1001}`, "client-C")

	rec = doRequest(t, h, http.MethodGet, "/dashboard", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []struct {
		ID         uint64   `json:"id"`
		Pid        int      `json:"pid"`
		NumClients int      `json:"number_of_connected_browser_tabs"`
		ClientIDs  []string `json:"client_ids"`
		Process    struct {
			Pid int `json:"pid"`
		} `json:"process"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Less(t, entries[0].ID, entries[1].ID)
	assert.Equal(t, 1001, entries[0].Pid)
	assert.Equal(t, []string{"client-A", "client-C"}, entries[0].ClientIDs)
	assert.Equal(t, 2, entries[0].NumClients)
	assert.Equal(t, 1001, entries[0].Process.Pid)
	assert.Equal(t, 1002, entries[1].Pid)
}

func TestDashboardHistory(t *testing.T) {
	t.Run("without store", func(t *testing.T) {
		env := newTestEnv(t)
		rec := doRequest(t, env.srv.Handler(), http.MethodGet, "/dashboard/history", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]\n", rec.Body.String())
	})

	t.Run("with store", func(t *testing.T) {
		store, err := persistence.Open(filepath.Join(t.TempDir(), "gdbmux.db"))
		require.NoError(t, err)

		env := newTestEnv(t, withStore(store))
		h := env.srv.Handler()

		doRequest(t, h, http.MethodPost, "/connect", "", "client-A")
		doRequest(t, h, http.MethodPost, "/kill_session", `{"gdbpid": 1001}`, "")

		rec := doRequest(t, h, http.MethodGet, "/dashboard/history?limit=10", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		backends := decode[[]persistence.Backend](t, rec)
		require.Len(t, backends, 1)
		assert.Equal(t, 1001, backends[0].Pid)
		assert.Equal(t, persistence.ReasonRemoved, backends[0].StopReason)
		assert.Equal(t, 1, backends[0].Clients)

		rec = doRequest(t, h, http.MethodGet, "/dashboard/history?limit=-1", "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()
	doRequest(t, h, http.MethodPost, "/connect", "", "client-A")

	rec := doRequest(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gdbmux_controllers 1")
	assert.Contains(t, rec.Body.String(), "gdbmux_backend_spawns_total 1")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/connect", nil)
	req.Header.Set("Origin", "https://ide.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ide.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
