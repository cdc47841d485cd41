package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/inputscan/internal/config"
	"github.com/mil-ad/inputscan/internal/scan"
)

func testStation(t *testing.T) *station {
	t.Helper()
	log, _ := test.NewNullLogger()
	cfg := config.Config{
		Title:          "Goods In",
		MaxScanHistory: 5,
		Variant:        "dropdown",
		Audio:          config.AudioConfig{Dir: filepath.Join(t.TempDir(), "missing")},
		Instructions: []config.InstructionConfig{
			{Title: "Receive", Default: true, Action: "accept"},
			{Title: "Audit", Action: "prefix", Prefix: "AU", ClearLog: true},
		},
	}
	st, err := newStation(cfg, log)
	require.NoError(t, err)
	t.Cleanup(st.close)
	return st
}

func do(t *testing.T, d *daemon, method, path string, req *IPCRequest) (int, IPCResponse) {
	t.Helper()
	var body bytes.Buffer
	if req != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(req))
	}
	rec := httptest.NewRecorder()
	d.router().ServeHTTP(rec, httptest.NewRequest(method, path, &body))

	var resp IPCResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func newTestDaemon(t *testing.T) *daemon {
	log, _ := test.NewNullLogger()
	return &daemon{st: testStation(t), log: log}
}

func TestStatus(t *testing.T) {
	d := newTestDaemon(t)
	code, resp := do(t, d, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "disabled", resp.State)
	require.Equal(t, "Receive", resp.Instruction)
}

func TestScanWaitReturnsResult(t *testing.T) {
	d := newTestDaemon(t)
	code, resp := do(t, d, http.MethodPost, "/scan", &IPCRequest{Code: "123\r", Wait: true})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []LogEntry{{Result: "OK: 123", Level: "success"}}, resp.Log)

	_, resp = do(t, d, http.MethodPost, "/scan", &IPCRequest{Code: "123\r", Wait: true})
	require.Len(t, resp.Log, 1)

	_, resp = do(t, d, http.MethodGet, "/log", nil)
	require.Len(t, resp.Log, 2)
}

func TestScanWaitReportsOwnResult(t *testing.T) {
	d := newTestDaemon(t)
	do(t, d, http.MethodPost, "/scan", &IPCRequest{Code: "first\r", Wait: true})

	silent := &scan.Instruction{
		Title:  "Count",
		OnScan: func(context.Context, string) (scan.Result, error) { return nil, nil },
	}
	d.st.orch.AddInstruction(silent)
	d.st.orch.SelectInstruction(silent)

	code, resp := do(t, d, http.MethodPost, "/scan", &IPCRequest{Code: "second\r", Wait: true})
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, resp.Log)
	require.Equal(t, []scan.Result{"OK: first"}, d.st.orch.Log())
}

func TestScanPendingDuplicateIsRejected(t *testing.T) {
	d := newTestDaemon(t)
	gate := make(chan struct{})
	slow := &scan.Instruction{
		Title: "Slow",
		OnScan: func(_ context.Context, code string) (scan.Result, error) {
			<-gate
			return "OK: " + code, nil
		},
	}
	d.st.orch.AddInstruction(slow)
	d.st.orch.SelectInstruction(slow)

	code, _ := do(t, d, http.MethodPost, "/scan", &IPCRequest{Code: "7"})
	require.Equal(t, http.StatusAccepted, code)

	code, resp := do(t, d, http.MethodPost, "/scan", &IPCRequest{Code: "7", Wait: true})
	require.Equal(t, http.StatusConflict, code)
	require.NotEmpty(t, resp.Error)

	close(gate)
	d.st.orch.Wait()
	require.Equal(t, []scan.Result{"OK: 7"}, d.st.orch.Log())
}

func TestScanRequiresCode(t *testing.T) {
	d := newTestDaemon(t)
	code, resp := do(t, d, http.MethodPost, "/scan", &IPCRequest{})
	require.Equal(t, http.StatusBadRequest, code)
	require.NotEmpty(t, resp.Error)
}

func TestSelectInstruction(t *testing.T) {
	d := newTestDaemon(t)
	do(t, d, http.MethodPost, "/scan", &IPCRequest{Code: "1", Wait: true})

	code, resp := do(t, d, http.MethodPost, "/instructions/select", &IPCRequest{Title: "audit"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Audit", resp.Instruction)
	require.Empty(t, d.st.orch.Log())

	_, resp = do(t, d, http.MethodPost, "/scan", &IPCRequest{Code: "X9", Wait: true})
	require.Equal(t, "danger", resp.Log[0].Level)
}

func TestSelectUnknownSuggests(t *testing.T) {
	d := newTestDaemon(t)
	code, resp := do(t, d, http.MethodPost, "/instructions/select", &IPCRequest{Title: "Audti"})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "Audit", resp.Suggestion)
	require.Equal(t, "Receive", d.st.orch.Selected().Title)
}

func TestInstructions(t *testing.T) {
	d := newTestDaemon(t)
	_, resp := do(t, d, http.MethodGet, "/instructions", nil)
	require.Equal(t, []InstructionInfo{
		{Title: "Receive", Default: true, Selected: true},
		{Title: "Audit", ClearLog: true},
	}, resp.Instructions)
}

func TestCameraError(t *testing.T) {
	d := newTestDaemon(t)
	code, _ := do(t, d, http.MethodPost, "/camera/error", &IPCRequest{Message: "camera not found"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []scan.Result{"camera not found"}, d.st.orch.Log())
}

func TestConnectWithoutBluetooth(t *testing.T) {
	d := newTestDaemon(t)
	code, resp := do(t, d, http.MethodPost, "/bluetooth/connect", &IPCRequest{Prompt: true})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "disabled", resp.State)
}

func TestUnknownRoute(t *testing.T) {
	d := newTestDaemon(t)
	code, resp := do(t, d, http.MethodGet, "/toggle", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, resp.Error, "unknown command")
}

func TestClientOverSocket(t *testing.T) {
	d := newTestDaemon(t)
	dir, err := os.MkdirTemp("", "inputscan")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "ipc.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: d.router()}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	c := newIPCClient(sock)
	resp, err := c.call(http.MethodPost, "/scan", &IPCRequest{Code: "42", Wait: true})
	require.NoError(t, err)
	require.Equal(t, "OK: 42", resp.Log[0].Result)

	_, err = c.call(http.MethodPost, "/instructions/select", &IPCRequest{Title: "Recieve"})
	require.ErrorContains(t, err, `did you mean "Receive"`)
}

func TestClientWithoutDaemon(t *testing.T) {
	c := newIPCClient(filepath.Join(t.TempDir(), "absent.sock"))
	_, err := c.call(http.MethodGet, "/status", nil)
	require.Error(t, err)
	var opErr *net.OpError
	require.True(t, errors.As(err, &opErr))
}

func TestFindInstruction(t *testing.T) {
	list := []*scan.Instruction{{Title: "Receive"}, {Title: "Audit"}}

	inst, suggestion := findInstruction(list, " RECEIVE ")
	require.Same(t, list[0], inst)
	require.Empty(t, suggestion)

	inst, suggestion = findInstruction(list, "audt")
	require.Nil(t, inst)
	require.Equal(t, "Audit", suggestion)

	inst, suggestion = findInstruction(list, "zzzzzzzz")
	require.Nil(t, inst)
	require.Empty(t, suggestion)
}
