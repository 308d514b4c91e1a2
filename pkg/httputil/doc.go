// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteErrorMessage(w, http.StatusInternalServerError, "plugin_error")
//	httputil.WriteRawJSON(w, status, body)
//
// # Request Parsing
//
//	var req ApproveRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RecoveryMiddleware(log),
//		httputil.RequestIDMiddleware,
//		httputil.TenantMiddleware,
//		httputil.LoggingMiddleware(log),
//	)(router)
//
// TenantMiddleware populates contextkeys.TenantIDKey and contextkeys.UserIDKey from the
// X-Tenant-ID and X-User-ID headers; plugin routes dispatch on the tenant found there.
package httputil
