package observability

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugind/pkg/contextkeys"
)

// Standard field names shared by every component that logs plugin activity.
const (
	FieldComponent  = "component"
	FieldPluginID   = "plugin_id"
	FieldTenantID   = "tenant_id"
	FieldDurationMS = "duration_ms"
	FieldRequestID  = "request_id"
)

// Messages of timed plugin invocation events. Persisted plugin logs are
// aggregated by these.
const (
	MsgInvocation       = "plugin invocation"
	MsgInvocationFailed = "plugin invocation failed"
	MsgSlowInvocation   = "slow plugin invocation"
)

// NewLogger creates the process logger. format is "json" or "text".
func NewLogger(level logrus.Level, format string, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	log := logrus.New()
	log.SetOutput(output)
	log.SetLevel(level)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Component returns an entry scoped to a named component
func Component(log logrus.FieldLogger, name string) *logrus.Entry {
	return log.WithField(FieldComponent, name)
}

// WithContext adds request, tenant and plugin identifiers found on ctx
func WithContext(log logrus.FieldLogger, ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if id := contextkeys.GetRequestID(ctx); id != "" {
		fields[FieldRequestID] = id
	}
	if id := contextkeys.GetTenantID(ctx); id != "" {
		fields[FieldTenantID] = id
	}
	if id := contextkeys.GetPluginID(ctx); id != "" {
		fields[FieldPluginID] = id
	}
	return log.WithFields(fields)
}
