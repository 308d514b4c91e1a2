// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the runtime must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/plugind/pkg/contextkeys"
//	ctx = contextkeys.WithTenantID(ctx, "10")
//	tenantID := contextkeys.GetTenantID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, plugin route request projection
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains user ID string
	// Set by: httputil.TenantMiddleware from the X-User-ID header, or an upstream auth layer
	// Used by: Plugin route request projection, hook meta
	// Type: string
	UserIDKey Key = "user_id"

	// TenantIDKey contains tenant ID string
	// Set by: httputil.TenantMiddleware from the X-Tenant-ID header, or an upstream auth layer
	// Used by: Plugin route dispatch, hook tenant filtering
	// Type: string
	TenantIDKey Key = "tenant_id"

	// PluginIDKey contains the plugin ID a request or hook call is bound to
	// Set by: routes.Mounter before invoking a plugin
	// Used by: Logger
	// Type: string
	PluginIDKey Key = "plugin_id"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithTenantID adds tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithPluginID adds plugin ID to the context
func WithPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, PluginIDKey, pluginID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetTenantID retrieves tenant ID from context
func GetTenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}

// GetPluginID retrieves plugin ID from context
func GetPluginID(ctx context.Context) string {
	if pluginID, ok := ctx.Value(PluginIDKey).(string); ok {
		return pluginID
	}
	return ""
}
