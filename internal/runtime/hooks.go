package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
)

// DispatchInfo describes one delivery handed to an entrypoint.
type DispatchInfo struct {
	// Entrypoint is the name of the event handler or the RPC entrypoint.
	Entrypoint string
	Role       Role
	Queue      string
	RoutingKey string

	MessageUUID   string
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context

	StartedAt time.Time
	// Duration is only set for OnDone and OnError.
	Duration time.Duration
	// Acked reports the settlement decision. Only set for OnDone and OnError.
	Acked bool
}

// DispatchHooks observe the dispatch lifecycle. Nil hooks are skipped.
type DispatchHooks struct {
	OnStart func(info DispatchInfo)
	OnDone  func(info DispatchInfo)
	// OnError receives every failed dispatch, including the ones that were
	// acknowledged because redelivery could not help.
	OnError func(info DispatchInfo, err error)
}

// Merge returns hooks calling h first and then other.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnStart: chainInfo(h.OnStart, other.OnStart),
		OnDone:  chainInfo(h.OnDone, other.OnDone),
		OnError: chainError(h.OnError, other.OnError),
	}
}

func chainInfo(a, b func(DispatchInfo)) func(DispatchInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info DispatchInfo) {
		a(info)
		b(info)
	}
}

func chainError(a, b func(DispatchInfo, error)) func(DispatchInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info DispatchInfo, err error) {
		a(info, err)
		b(info, err)
	}
}

func (h DispatchHooks) start(info DispatchInfo) {
	if h.OnStart != nil {
		h.OnStart(info)
	}
}

func (h DispatchHooks) finish(info DispatchInfo, err error) {
	if err != nil {
		if h.OnError != nil {
			h.OnError(info, err)
		}
		return
	}
	if h.OnDone != nil {
		h.OnDone(info)
	}
}

// LoggingHooks logs every dispatch outcome through logger.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	fields := func(info DispatchInfo) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"entrypoint":     info.Entrypoint,
			"role":           string(info.Role),
			"routing_key":    info.RoutingKey,
			"message_uuid":   info.MessageUUID,
			"correlation_id": info.CorrelationID,
		}
	}
	return DispatchHooks{
		OnStart: func(info DispatchInfo) {
			logger.Debug("Dispatch started", fields(info))
		},
		OnDone: func(info DispatchInfo) {
			f := fields(info)
			f["duration_ms"] = info.Duration.Milliseconds()
			logger.Debug("Dispatch completed", f)
		},
		OnError: func(info DispatchInfo, err error) {
			f := fields(info)
			f["duration_ms"] = info.Duration.Milliseconds()
			f["acked"] = info.Acked
			logger.Error("Dispatch failed", err, f)
		},
	}
}

// AlertingHooks calls alert for every failed dispatch.
func AlertingHooks(alert func(info DispatchInfo, err error)) DispatchHooks {
	return DispatchHooks{OnError: alert}
}
