package action

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mil-ad/inputscan/internal/config"
	"github.com/mil-ad/inputscan/internal/scan"
)

func TestAccept(t *testing.T) {
	r, err := Accept(context.Background(), "123\r")
	require.NoError(t, err)
	require.Equal(t, "OK: 123", r)
	require.Equal(t, scan.CueSuccess, scan.Classify(r))
}

func TestPrefix(t *testing.T) {
	fn := Prefix("SKU")
	ok, _ := fn(context.Background(), "SKU-1\n")
	bad, _ := fn(context.Background(), "LOC-1")
	require.Equal(t, scan.CueSuccess, scan.Classify(ok))
	require.Equal(t, scan.CueFail, scan.Classify(bad))
}

func TestSequence(t *testing.T) {
	s := NewSequence([]string{"A", "B"})
	ctx := context.Background()

	cues := []scan.Cue{}
	for _, code := range []string{"A\r", "A", "X", "B"} {
		r, err := s.Scan(ctx, code)
		require.NoError(t, err)
		cues = append(cues, scan.Classify(r))
	}
	require.Equal(t, []scan.Cue{scan.CueAdd, scan.CueExcess, scan.CueFail, scan.CueComplete}, cues)

	s.Reset()
	r, _ := s.Scan(ctx, "B")
	require.Equal(t, scan.CueAdd, scan.Classify(r))
}

func TestSequenceAcceptsAnyOrder(t *testing.T) {
	s := NewSequence([]string{"A", "B", "C"})
	ctx := context.Background()

	var results []scan.Result
	for _, code := range []string{"C", "A", "B"} {
		r, err := s.Scan(ctx, code)
		require.NoError(t, err)
		results = append(results, r)
	}
	require.Equal(t, []scan.Result{"ADD: C (1/3)", "ADD: A (2/3)", "COMPLETE: B"}, results)
}

func TestWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) == "bad" {
			http.Error(w, "unknown item", http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "ADD: "+string(body)+"\n")
	}))
	defer srv.Close()

	fn := Webhook(srv.Client(), srv.URL)
	r, err := fn(context.Background(), "123\r")
	require.NoError(t, err)
	require.Equal(t, "ADD: 123", r)

	_, err = fn(context.Background(), "bad")
	require.EqualError(t, err, "unknown item")
}

func TestBuild(t *testing.T) {
	inst, err := Build(config.InstructionConfig{Title: "Pick", Action: "sequence", Expect: []string{"1"}, SingleScan: true}, nil)
	require.NoError(t, err)
	require.Equal(t, "Pick", inst.Title)
	require.True(t, inst.SingleScan)

	_, err = Build(config.InstructionConfig{Title: "X", Action: "teleport"}, nil)
	require.Error(t, err)
	_, err = Build(config.InstructionConfig{Title: "X", Action: "webhook"}, nil)
	require.Error(t, err)
	_, err = Build(config.InstructionConfig{Action: "accept"}, nil)
	require.Error(t, err)
}
