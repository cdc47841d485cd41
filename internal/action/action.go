// Package action builds the scan callbacks behind configured instructions.
package action

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/mil-ad/inputscan/internal/config"
	"github.com/mil-ad/inputscan/internal/scan"
)

// maxBody bounds how much of a webhook response is kept as the result.
const maxBody = 4 << 10

// Build returns the instruction described by cfg.
func Build(cfg config.InstructionConfig, client *http.Client) (*scan.Instruction, error) {
	if cfg.Title == "" {
		return nil, fmt.Errorf("instruction without title")
	}
	fn, err := callback(cfg, client)
	if err != nil {
		return nil, fmt.Errorf("instruction %q: %w", cfg.Title, err)
	}
	return &scan.Instruction{
		Title:      cfg.Title,
		Icon:       cfg.Icon,
		Default:    cfg.Default,
		SingleScan: cfg.SingleScan,
		ClearLog:   cfg.ClearLog,
		OnScan:     fn,
	}, nil
}

func callback(cfg config.InstructionConfig, client *http.Client) (scan.OnScanFunc, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Action)) {
	case "", "accept":
		return Accept, nil
	case "prefix":
		if cfg.Prefix == "" {
			return nil, fmt.Errorf("prefix action needs a prefix")
		}
		return Prefix(cfg.Prefix), nil
	case "webhook":
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook action needs a url")
		}
		return Webhook(client, cfg.URL), nil
	case "sequence":
		if len(cfg.Expect) == 0 {
			return nil, fmt.Errorf("sequence action needs expected codes")
		}
		return NewSequence(cfg.Expect).Scan, nil
	default:
		return nil, fmt.Errorf("unknown action %q", cfg.Action)
	}
}

// normalize drops the line terminators scanners and the keypad append.
func normalize(code string) string {
	return strings.TrimRight(code, "\r\n")
}

// Accept acknowledges every code.
func Accept(_ context.Context, code string) (scan.Result, error) {
	return scan.PrefixOK + " " + normalize(code), nil
}

// Prefix accepts codes starting with p and rejects the rest.
func Prefix(p string) scan.OnScanFunc {
	return func(_ context.Context, code string) (scan.Result, error) {
		c := normalize(code)
		if strings.HasPrefix(c, p) {
			return scan.PrefixOK + " " + c, nil
		}
		return "FAIL: " + c + " is not a " + p + " code", nil
	}
}

// Webhook posts the code to url as text/plain; the response body is the
// result.
func Webhook(client *http.Client, url string) scan.OnScanFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, code string) (scan.Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(normalize(code)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("post scan: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		text := strings.TrimSpace(string(body))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if text == "" {
				text = resp.Status
			}
			return nil, fmt.Errorf("%s", text)
		}
		return text, nil
	}
}

// Sequence checks scans against an expected pick list, in any order.
type Sequence struct {
	mu       sync.Mutex
	expected []string
	seen     map[string]bool
}

func NewSequence(expected []string) *Sequence {
	return &Sequence{expected: expected, seen: make(map[string]bool)}
}

// Scan reports ADD: for a new expected code, COMPLETE: when the list is
// done, EXCESS: for repeats and FAIL: for anything unexpected.
func (s *Sequence) Scan(_ context.Context, code string) (scan.Result, error) {
	c := normalize(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	known := false
	for _, e := range s.expected {
		if e == c {
			known = true
			break
		}
	}
	switch {
	case !known:
		return "FAIL: " + c + " not expected", nil
	case s.seen[c]:
		return scan.PrefixExcess + " " + c, nil
	}
	s.seen[c] = true
	if len(s.seen) == len(uniq(s.expected)) {
		return scan.PrefixComplete + " " + c, nil
	}
	return fmt.Sprintf("%s %s (%d/%d)", scan.PrefixAdd, c, len(s.seen), len(uniq(s.expected))), nil
}

// Reset forgets every scanned code.
func (s *Sequence) Reset() {
	s.mu.Lock()
	s.seen = make(map[string]bool)
	s.mu.Unlock()
}

func uniq(in []string) map[string]struct{} {
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		m[s] = struct{}{}
	}
	return m
}
