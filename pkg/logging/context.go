package logging

import (
	"context"
)

type ctxKey string

const (
	TraceIDKey     = "trace_id"
	MessageIDKey   = "message_id"
	ServiceNameKey = "service_name"
	FlowIDKey      = "flow_id"
	ComponentIDKey = "component_id"
	EventIDKey     = "event_id"
)

// fieldOrder fixes the order in which context values are emitted.
var fieldOrder = []string{TraceIDKey, ServiceNameKey, ComponentIDKey, FlowIDKey, EventIDKey, MessageIDKey}

func with(ctx context.Context, key, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey(key), value)
}

func get(ctx context.Context, key string) string {
	if v, ok := ctx.Value(ctxKey(key)).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return with(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return with(ctx, ServiceNameKey, serviceName)
}

func WithFlowID(ctx context.Context, flowID string) context.Context {
	return with(ctx, FlowIDKey, flowID)
}

func WithComponentID(ctx context.Context, componentID string) context.Context {
	return with(ctx, ComponentIDKey, componentID)
}

func WithEventID(ctx context.Context, eventID string) context.Context {
	return with(ctx, EventIDKey, eventID)
}

func GetTraceID(ctx context.Context) string {
	return get(ctx, TraceIDKey)
}

func GetMessageID(ctx context.Context) string {
	return get(ctx, MessageIDKey)
}

func GetServiceName(ctx context.Context) string {
	return get(ctx, ServiceNameKey)
}

func GetFlowID(ctx context.Context) string {
	return get(ctx, FlowIDKey)
}

func GetComponentID(ctx context.Context) string {
	return get(ctx, ComponentIDKey)
}

func GetEventID(ctx context.Context) string {
	return get(ctx, EventIDKey)
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, len(fieldOrder)*2)

	for _, key := range fieldOrder {
		if v := get(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}

	return fields
}
