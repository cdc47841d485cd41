package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mil-ad/inputscan/internal/config"
	"github.com/mil-ad/inputscan/internal/scan"
)

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "inputscan.sock")
}

type daemon struct {
	st  *station
	log logrus.FieldLogger
}

func (d *daemon) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", d.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/scan", d.handleScan).Methods(http.MethodPost)
	r.HandleFunc("/camera/error", d.handleCameraError).Methods(http.MethodPost)
	r.HandleFunc("/log", d.handleLog).Methods(http.MethodGet)
	r.HandleFunc("/instructions", d.handleInstructions).Methods(http.MethodGet)
	r.HandleFunc("/instructions/select", d.handleSelect).Methods(http.MethodPost)
	r.HandleFunc("/bluetooth/connect", d.handleConnect).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, IPCResponse{Error: fmt.Sprintf("unknown command: %q", r.URL.Path)})
	})
	return r
}

func (d *daemon) status() IPCResponse {
	snap := d.st.orch.Snapshot()
	return IPCResponse{
		State:       d.st.bluetoothState(),
		Device:      snap.Device,
		Instruction: snap.Selected.String(),
	}
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.status())
}

func (d *daemon) handleScan(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Error: "code is required"})
		return
	}
	d.log.WithField("code", req.Code).Debug("scan received over IPC")
	result, ok := d.st.orch.Submit(req.Code)
	if !ok {
		writeJSON(w, http.StatusConflict, IPCResponse{Error: "scan value already pending"})
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, d.status())
		return
	}

	select {
	case res := <-result:
		resp := d.status()
		if res != nil {
			resp.Log = logEntries([]scan.Result{res})
		}
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
	}
}

func (d *daemon) handleCameraError(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Error: "message is required"})
		return
	}
	d.st.orch.CameraError(req.Message)
	writeJSON(w, http.StatusOK, d.status())
}

func (d *daemon) handleLog(w http.ResponseWriter, r *http.Request) {
	resp := d.status()
	resp.Log = logEntries(d.st.orch.Log())
	writeJSON(w, http.StatusOK, resp)
}

func (d *daemon) handleInstructions(w http.ResponseWriter, r *http.Request) {
	snap := d.st.orch.Snapshot()
	resp := d.status()
	for _, inst := range snap.Instructions {
		resp.Instructions = append(resp.Instructions, InstructionInfo{
			Title:      inst.Title,
			Icon:       inst.Icon,
			Default:    inst == snap.Default,
			Selected:   inst == snap.Selected,
			SingleScan: inst.SingleScan,
			ClearLog:   inst.ClearLog,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *daemon) handleSelect(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	inst, suggestion := findInstruction(d.st.orch.Instructions(), req.Title)
	if inst == nil {
		resp := IPCResponse{Error: fmt.Sprintf("no instruction named %q", req.Title), Suggestion: suggestion}
		writeJSON(w, http.StatusNotFound, resp)
		return
	}
	d.st.orch.SelectInstruction(inst)
	writeJSON(w, http.StatusOK, d.status())
}

func (d *daemon) handleConnect(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if d.st.session == nil {
		writeJSON(w, http.StatusConflict, IPCResponse{State: d.st.bluetoothState(), Error: "bluetooth is disabled"})
		return
	}
	d.st.session.Connect(r.Context(), req.Prompt)
	writeJSON(w, http.StatusOK, d.status())
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (IPCRequest, bool) {
	var req IPCRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, IPCResponse{Error: "invalid request: " + err.Error()})
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, resp IPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func logEntries(log []scan.Result) []LogEntry {
	entries := make([]LogEntry, 0, len(log))
	for _, r := range log {
		entries = append(entries, LogEntry{
			Result: scan.ResultString(r),
			Level:  string(scan.LogLevelOf(r)),
		})
	}
	return entries
}

// serve answers IPC requests on the unix socket until ctx is done.
func serve(ctx context.Context, st *station, log logrus.FieldLogger) error {
	sock := socketPath()
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)

	d := &daemon{st: st, log: log}
	srv := &http.Server{Handler: d.router(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("socket", sock).Info("listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// watchConfig applies config file edits to the running station.
func watchConfig(st *station, log logrus.FieldLogger) (config.Config, error) {
	return config.Watch(func(cfg config.Config, ev fsnotify.Event) {
		log.WithField("file", ev.Name).Info("config changed")
		st.apply(cfg)
	})
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel, os.Stderr)

	st, err := newStation(cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	if _, err := watchConfig(st, log); err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	}
	st.start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, st, log)
}
