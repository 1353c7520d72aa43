package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// SentryContext attaches a cloned hub to the context, tagged with the room being worked on.
func SentryContext(ctx context.Context, roomID string) context.Context {
	hub := GetSentryHubFromContextOrDefault(ctx).Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("room_id", roomID)
		if txnID := TxnID(ctx); txnID != "" {
			scope.SetTag("txn_id", txnID)
		}
	})
	return sentry.SetHubOnContext(ctx, hub)
}

// ReportPanicsToSentry is deferred at the top of long-lived goroutines. It reports and then
// re-panics, so the process still crashes loudly.
func ReportPanicsToSentry() {
	panicData := recover()
	if panicData == nil {
		return
	}
	sentry.CurrentHub().Recover(panicData)
	sentry.Flush(5 * time.Second)
	panic(panicData)
}
