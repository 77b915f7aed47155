// Package logging wraps commonlog into per-request scoped log records, per
// the "global mutable logging context is replaced by per-request log
// records with scoped drop" design note: fields accumulate over the life of
// a request and are flushed as one line when the record is closed.
package logging

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Configure sets the process-wide commonlog verbosity from a CLI log level
// string, using the same mapping as the teacher's server.configureLogging.
func Configure(level string) {
	verbosity := 2 // Warning by default
	switch level {
	case "debug":
		verbosity = 5
	case "info":
		verbosity = 4
	case "warning", "warn":
		verbosity = 2
	case "error":
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)
}

// Record accumulates fields for a single request and emits one log line when
// closed. The zero value is not usable; use New.
type Record struct {
	log    commonlog.Logger
	start  time.Time
	fields map[string]any
}

// New starts a log record for a request scoped to the given logger name
// (e.g. "pipeline", "mcp", "llm").
func New(name string) *Record {
	return &Record{
		log:    commonlog.GetLogger(name),
		start:  time.Now(),
		fields: map[string]any{},
	}
}

// Set attaches a field to the record, overwriting any previous value.
func (r *Record) Set(key string, value any) *Record {
	r.fields[key] = value
	return r
}

// Close emits the accumulated record as one log line and stamps the elapsed
// duration. Call via defer at the top of the request handler.
func (r *Record) Close() {
	r.fields["duration"] = time.Since(r.start).String()
	r.log.Info(r.render())
}

// Errorf logs at error level without closing the record.
func (r *Record) Errorf(format string, args ...any) {
	r.log.Errorf(format, args...)
}

func (r *Record) render() string {
	keys := make([]string, 0, len(r.fields))
	for k := range r.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r.fields[k]))
	}
	return strings.Join(parts, " ")
}
