package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/plugind/pkg/contextkeys"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = contextkeys.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(HeaderRequestID))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderRequestID, "fixed")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "fixed", seen)
}

func TestTenantMiddleware(t *testing.T) {
	var tenant, user string
	h := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = contextkeys.GetTenantID(r.Context())
		user = contextkeys.GetUserID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderTenantID, "10")
	r.Header.Set(HeaderUserID, "u-1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "10", tenant)
	assert.Equal(t, "u-1", user)

	// An upstream value wins over the header.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderTenantID, "10")
	r = r.WithContext(contextkeys.WithTenantID(r.Context(), "7"))
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "7", tenant)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := Chain(RecoveryMiddleware(logger), LoggingMiddleware(logger))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestLoggingMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, http.StatusTeapot, entry.Data["status"])
		assert.Equal(t, "/x", entry.Data["path"])
	}
}
