package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// ipcClient talks HTTP to the daemon over its unix socket.
type ipcClient struct {
	http *http.Client
}

func newIPCClient(sock string) *ipcClient {
	return &ipcClient{http: &http.Client{
		Timeout: 2 * time.Minute,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
	}}
}

func (c *ipcClient) call(method, path string, req *IPCRequest) (IPCResponse, error) {
	var body io.Reader
	if req != nil {
		buf, err := json.Marshal(req)
		if err != nil {
			return IPCResponse{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequest(method, "http://inputscan"+path, body)
	if err != nil {
		return IPCResponse{}, err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `inputscan daemon` running?)", err)
	}
	defer res.Body.Close()

	var resp IPCResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		if resp.Suggestion != "" {
			return resp, fmt.Errorf("%s (did you mean %q?)", resp.Error, resp.Suggestion)
		}
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func printResponse(resp IPCResponse, err error) error {
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(resp)
}

func runStatus() error {
	return printResponse(newIPCClient(socketPath()).call(http.MethodGet, "/status", nil))
}

func runScan(code string, wait bool) error {
	req := &IPCRequest{Code: code, Wait: wait}
	return printResponse(newIPCClient(socketPath()).call(http.MethodPost, "/scan", req))
}

func runCameraError(msg string) error {
	req := &IPCRequest{Message: msg}
	return printResponse(newIPCClient(socketPath()).call(http.MethodPost, "/camera/error", req))
}

func runLog() error {
	return printResponse(newIPCClient(socketPath()).call(http.MethodGet, "/log", nil))
}

func runInstructions() error {
	return printResponse(newIPCClient(socketPath()).call(http.MethodGet, "/instructions", nil))
}

func runSelect(title string) error {
	req := &IPCRequest{Title: title}
	return printResponse(newIPCClient(socketPath()).call(http.MethodPost, "/instructions/select", req))
}

func runConnect(prompt bool) error {
	req := &IPCRequest{Prompt: prompt}
	return printResponse(newIPCClient(socketPath()).call(http.MethodPost, "/bluetooth/connect", req))
}
