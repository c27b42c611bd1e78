package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRequestData(context.Background(), &RequestData{Method: "GET", URL: "https://rs.example/doc"})
	ctx = WithNegotiationData(ctx, &NegotiationData{RunID: "r1", Mode: "ticket", TokenEndpoint: "https://as.example/token"})
	log.InfoContext(ctx, "uma.test")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	req, _ := rec["req"].(map[string]any)
	if req["method"] != "GET" || req["url"] != "https://rs.example/doc" {
		t.Fatalf("req group = %v", rec["req"])
	}
	uma, _ := rec["uma"].(map[string]any)
	if uma["run_id"] != "r1" || uma["mode"] != "ticket" {
		t.Fatalf("uma group = %v", rec["uma"])
	}
	if _, ok := uma["parent_run_id"]; ok {
		t.Fatal("top-level run must not carry parent_run_id")
	}
}

func TestHandler_NestedRun(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithNegotiationData(context.Background(), &NegotiationData{RunID: "child", ParentRunID: "parent"})
	log.InfoContext(ctx, "uma.test")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	uma, _ := rec["uma"].(map[string]any)
	if uma["parent_run_id"] != "parent" {
		t.Fatalf("uma group = %v", rec["uma"])
	}
}

func TestHandler_WithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	Wrap(slog.New(slog.NewJSONHandler(&buf, nil))).With("k", "v").Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if _, ok := rec["req"]; ok {
		t.Fatal("unexpected req group")
	}
	if rec["k"] != "v" {
		t.Fatalf("attrs lost: %v", rec)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil) == nil {
		t.Fatal("Wrap(nil) returned nil")
	}
	Wrap(nil).Info("discarded")

	l := Wrap(slog.Default())
	if Wrap(l) != l {
		t.Fatal("wrapping twice should return the same logger")
	}
}

func TestNegotiationFrom(t *testing.T) {
	if _, ok := NegotiationFrom(context.Background()); ok {
		t.Fatal("unexpected negotiation data")
	}
	nd := &NegotiationData{RunID: "r"}
	got, ok := NegotiationFrom(WithNegotiationData(context.Background(), nd))
	if !ok || got != nd {
		t.Fatalf("NegotiationFrom = %v, %v", got, ok)
	}
}
