package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/docgate/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	opts.JSON = true
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse log line: %v\n%s", err, buf.String())
	}
	return m
}

func TestSlog_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "docgate", Version: "1.2.3", Commit: "abc"})
	l.Info(context.Background(), "started")

	rec := lastRecord(t, &buf)
	if rec["msg"] != "started" || rec["app"] != "docgate" || rec["version"] != "1.2.3" || rec["commit"] != "abc" {
		t.Fatalf("record = %v", rec)
	}
	src, ok := rec["source"].(map[string]any)
	if !ok || !strings.HasSuffix(fmt.Sprint(src["file"]), "slog_test.go") {
		t.Fatalf("source should point at the caller, got %v", rec["source"])
	}
}

func TestSlog_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "docgate", Level: slog.LevelWarn})
	ctx := context.Background()
	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	if buf.Len() != 0 {
		t.Fatalf("below-level records written: %s", buf.String())
	}
	l.Warn(ctx, "w")
	if lastRecord(t, &buf)["msg"] != "w" {
		t.Fatal("warn should be written")
	}
}

func TestSlog_WithIsCopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "docgate"})
	child := base.With("component", "registrar", 42, "ignored", "dangling")

	child.Info(context.Background(), "child")
	rec := lastRecord(t, &buf)
	if rec["component"] != "registrar" {
		t.Fatalf("child missing attr: %v", rec)
	}
	if _, ok := rec["dangling"]; ok {
		t.Fatal("dangling key should be dropped")
	}

	base.Info(context.Background(), "base")
	if _, ok := lastRecord(t, &buf)["component"]; ok {
		t.Fatal("With leaked into the parent logger")
	}
}

func TestSlog_ErrorAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "docgate", IncludeErrorLinks: true})

	root := errors.New("connection refused")
	err := xerrors.Wrap(xerrors.Wrap(root, "send"), "submit document")
	l.Error(context.Background(), err, "submission failed", "doc_id", "d-1")

	rec := lastRecord(t, &buf)
	if rec["err"] != "submit document: send: connection refused" {
		t.Fatalf("err = %v", rec["err"])
	}
	if rec["cause_type"] != "*errors.errorString" {
		t.Fatalf("cause_type = %v", rec["cause_type"])
	}
	if rec["error_type"] != "*errors.errorString" {
		t.Fatalf("error_type should skip xerrors wrappers, got %v", rec["error_type"])
	}
	chain, _ := rec["error_chain"].([]any)
	if len(chain) != 3 {
		t.Fatalf("error_chain = %v, want 3 links", rec["error_chain"])
	}
	links, _ := rec["error_links"].([]any)
	if len(links) < 2 {
		t.Fatalf("error_links = %v", rec["error_links"])
	}
	if rec["doc_id"] != "d-1" {
		t.Fatal("extra kv missing")
	}
	if s, _ := rec["stack"].(string); s == "" {
		t.Fatal("error level records should carry a stack")
	}
}

func TestSlog_ErrorNil(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "docgate"})
	l.Error(context.Background(), nil, "no error")
	if _, ok := lastRecord(t, &buf)["err"]; ok {
		t.Fatal("nil error should not add err attr")
	}
}

func TestSlog_StackFromError(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "docgate"})
	l.Error(context.Background(), makeStackedError(), "boom")

	stack, _ := lastRecord(t, &buf)["stack"].(string)
	if !strings.Contains(stack, "makeStackedError") {
		t.Fatalf("stack should come from the error's capture point:\n%s", stack)
	}
}

func makeStackedError() error { return xerrors.New("stacked") }

func TestSlog_NoStackBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "docgate"})
	l.Warn(context.Background(), "warned")
	if _, ok := lastRecord(t, &buf)["stack"]; ok {
		t.Fatal("warn should not carry a stack at default stacktrace level")
	}
}

func TestSlog_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "docgate"})

	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	rec := lastRecord(t, &buf)
	if rec["trace_id"] != tid.String() || rec["span_id"] != sid.String() {
		t.Fatalf("trace ids missing: %v", rec)
	}
}

func TestSlog_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := newSlog(Options{App: "docgate", Writer: &buf})
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	l.Info(context.Background(), "plain", "k", "v")
	if out := buf.String(); !strings.Contains(out, "msg=plain") || !strings.Contains(out, "k=v") {
		t.Fatalf("logfmt output = %q", out)
	}
}

func TestErrorChain_Joined(t *testing.T) {
	err := errors.Join(errors.New("a"), errors.New("b"))
	got := errorChain(err)
	if len(got) != 3 || got[1] != "a" || got[2] != "b" {
		t.Fatalf("errorChain = %q", got)
	}
}

func TestErrorChain_DedupesRepeats(t *testing.T) {
	inner := errors.New("same")
	got := errorChain(xerrors.WithStack(inner))
	if len(got) != 1 {
		t.Fatalf("errorChain = %q, want one entry", got)
	}
}

func TestErrorLinks_RespectsMax(t *testing.T) {
	err := xerrors.Wrap(xerrors.Wrap(xerrors.Wrap(errors.New("x"), "a"), "b"), "c")
	if got := errorLinks(err, 2); len(got) > 2 {
		t.Fatalf("errorLinks returned %d, max 2", len(got))
	}
}

func TestErrorTypes_Nil(t *testing.T) {
	if s, r := errorTypes(nil); s != "" || r != "" {
		t.Fatalf("errorTypes(nil) = %q, %q", s, r)
	}
}
