package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/docgate/internal/cryptoutil"
	"github.com/keithlinneman/docgate/internal/document"
	"github.com/keithlinneman/docgate/internal/journal"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/metrics"
	"github.com/keithlinneman/docgate/internal/registrar"
	"github.com/keithlinneman/docgate/internal/stats"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		args     []string
		wantCmd  string
		wantRest int
	}{
		{nil, "serve", 0},
		{[]string{"-http-port=8081"}, "serve", 1},
		{[]string{"submit", "-input", "b.json"}, "submit", 2},
		{[]string{"version"}, "version", 0},
	}
	for _, tt := range tests {
		cmd, rest := splitCommand(tt.args)
		if cmd != tt.wantCmd || len(rest) != tt.wantRest {
			t.Errorf("splitCommand(%v) = %q %v", tt.args, cmd, rest)
		}
	}
}

func TestRun_Version(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"version"}, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.HasPrefix(out.String(), "docgate ") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"launch"}, &out, &errOut); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRun_ConfigError(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"submit", "-rate-limit=0", "-workers=0"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	for _, want := range []string{"invalid RATE_LIMIT", "INPUT is required", "invalid WORKERS"} {
		if !strings.Contains(errOut.String(), want) {
			t.Errorf("stderr %q missing %q", errOut.String(), want)
		}
	}
}

func TestRun_BadFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"serve", "-no-such-flag"}, &out, &errOut); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}

type fakeSubmitter struct {
	calls  atomic.Int32
	result func(n int32) registrar.Result
}

func (f *fakeSubmitter) Submit(ctx context.Context, _ document.Document, _ string) registrar.Result {
	n := f.calls.Add(1)
	if f.result != nil {
		return f.result(n)
	}
	return registrar.Result{Status: registrar.StatusCreated, Code: 200}
}

func batchOf(n int) []document.Submission {
	subs := make([]document.Submission, n)
	for i := range subs {
		subs[i] = document.Submission{Document: document.Document{DocID: "d"}, Digest: "x"}
	}
	return subs
}

func TestRunBatch_EveryWorkerSubmitsEverything(t *testing.T) {
	sub := &fakeSubmitter{result: func(n int32) registrar.Result {
		if n%4 == 0 {
			return registrar.Result{Status: registrar.StatusRejected, Code: 429}
		}
		return registrar.Result{Status: registrar.StatusCreated, Code: 200}
	}}

	counts, err := runBatch(context.Background(), sub, batchOf(3), 2, 10)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if sub.calls.Load() != 60 {
		t.Fatalf("calls = %d, want 2 workers * 10 repeats * 3 docs", sub.calls.Load())
	}
	if counts[registrar.StatusCreated]+counts[registrar.StatusRejected] != 60 || counts[registrar.StatusRejected] != 15 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestRunBatch_TransportTimeoutDoesNotStopWorkers(t *testing.T) {
	sub := &fakeSubmitter{result: func(int32) registrar.Result {
		return registrar.Result{Status: registrar.StatusFailed, Code: registrar.InternalErrorCode, Err: context.DeadlineExceeded}
	}}
	counts, err := runBatch(context.Background(), sub, batchOf(2), 1, 2)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if counts[registrar.StatusFailed] != 4 {
		t.Fatalf("counts = %v, per-call timeouts must not end the batch", counts)
	}
}

func TestRunBatch_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &fakeSubmitter{result: func(n int32) registrar.Result {
		if n == 3 {
			cancel()
			return registrar.Result{Status: registrar.StatusFailed, Code: 500, Err: context.Canceled}
		}
		return registrar.Result{Status: registrar.StatusCreated, Code: 200}
	}}

	_, err := runBatch(ctx, sub, batchOf(10), 1, 100)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sub.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", sub.calls.Load())
	}
}

func TestMinDuration(t *testing.T) {
	tests := []struct {
		n, limit int
		window   time.Duration
		want     time.Duration
	}{
		{5, 5, time.Minute, 0},
		{6, 5, time.Minute, time.Minute},
		{2000, 5, time.Minute, 399 * time.Minute},
		{3, 0, time.Minute, 0},
	}
	for _, tt := range tests {
		if got := minDuration(tt.n, tt.limit, tt.window); got != tt.want {
			t.Errorf("minDuration(%d, %d, %s) = %s, want %s", tt.n, tt.limit, tt.window, got, tt.want)
		}
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, stats.Event) error { return errors.New("redis down") }

func TestSinks_FanOut(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	mem := stats.NewMemoryRecorder()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &sinks{L: log.Nop(), m: metrics.New(), stats: mem, journal: j, now: func() time.Time { return at }}

	payload := []byte(`{"docId":"doc-1"}`)
	s.onResult(ctx,
		registrar.Attempt{DocID: "doc-1", Source: SourceBatch, Payload: payload, Waited: 1500 * time.Millisecond},
		registrar.Result{Status: registrar.StatusModified, Code: 200, Message: registrar.MessageModified},
	)

	totals, _ := mem.Totals(ctx)
	if totals["modified"] != 1 || mem.BySource()[SourceBatch] != 1 {
		t.Fatalf("stats totals = %v by source = %v", totals, mem.BySource())
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d", len(entries))
	}
	e := entries[0]
	if e.DocID != "doc-1" || e.Status != "modified" || e.WaitedMS != 1500 || e.Source != SourceBatch {
		t.Fatalf("entry = %+v", e)
	}
	if e.PayloadSHA256 != cryptoutil.SHA256Hex(payload) {
		t.Fatalf("payload hash = %q", e.PayloadSHA256)
	}
	if !e.At.Equal(at) {
		t.Fatalf("at = %v, want %v", e.At, at)
	}
}

func TestSinks_CancelledContextStillRecorded(t *testing.T) {
	mem := stats.NewMemoryRecorder()
	s := &sinks{L: log.Nop(), m: metrics.New(), stats: mem}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.onResult(ctx, registrar.Attempt{}, registrar.Result{Status: registrar.StatusFailed, Code: 500, Err: context.Canceled})

	totals, _ := mem.Totals(context.Background())
	if totals["failed"] != 1 {
		t.Fatalf("totals = %v", totals)
	}
}

func TestSinks_ErrorsAreSwallowed(t *testing.T) {
	s := &sinks{L: log.Nop(), m: metrics.New(), stats: failingRecorder{}}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.onResult(context.Background(), registrar.Attempt{}, registrar.Result{Status: registrar.StatusCreated, Code: 200})
		}()
	}
	wg.Wait()
}
