package internal

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTLPEndpoint(t *testing.T) {
	testCases := []struct {
		url          string
		wantHost     string
		wantInsecure bool
		wantErr      bool
	}{
		{url: "http://localhost:4318", wantHost: "localhost:4318", wantInsecure: true},
		{url: "https://collector.example.com", wantHost: "collector.example.com"},
		{url: "https://collector.example.com/", wantHost: "collector.example.com"},
		{url: "https://collector.example.com/v1/traces", wantErr: true},
		{url: "grpc://collector.example.com", wantErr: true},
		{url: "collector.example.com", wantErr: true},
	}
	for _, tc := range testCases {
		host, insecure, err := otlpEndpoint(tc.url)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: wanted error, got host %s", tc.url, host)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %s", tc.url, err)
			continue
		}
		if host != tc.wantHost || insecure != tc.wantInsecure {
			t.Errorf("%s: got (%s, %v) want (%s, %v)", tc.url, host, insecure, tc.wantHost, tc.wantInsecure)
		}
	}
}

func TestSpansCarryRoomAndLogs(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, task := StartTask(context.Background(), "backfill")
	SetSpanRoom(ctx, "!a:localhost")
	pageCtx, span := StartSpan(ctx, "page")
	Logf(pageCtx, "backfill", "fetched %d events", 3)
	span.End()
	task.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("got %d ended spans, want 2", len(ended))
	}
	page, outer := ended[0], ended[1]
	if page.Name() != "page" || outer.Name() != "backfill" {
		t.Fatalf("unexpected span names %s %s", page.Name(), outer.Name())
	}
	if page.Parent().SpanID() != outer.SpanContext().SpanID() {
		t.Errorf("page span is not a child of the task span")
	}
	if len(page.Events()) != 1 || page.Events()[0].Name != "fetched 3 events" {
		t.Errorf("page span events: %+v", page.Events())
	}
	var room string
	for _, kv := range outer.Attributes() {
		if kv.Key == "room_id" {
			room = kv.Value.AsString()
		}
	}
	if room != "!a:localhost" {
		t.Errorf("task span room_id = %q", room)
	}
}
