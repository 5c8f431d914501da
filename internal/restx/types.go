package restx

import (
	"context"
	"net/http"
)

// HTTPClient interface for HTTP operations
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Logger interface for structured logging
type Logger interface {
	Info(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}

// Manager answers aggregate queries against the archive database.
type Manager interface {
	// Sum totals obsType over records with start < dateTime <= end. The bool
	// reports whether any record carried a value.
	Sum(ctx context.Context, obsType string, start, end int64) (float64, bool, error)
}

// Upload results reported to a Recorder.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Recorder receives upload statistics.
type Recorder interface {
	Uploaded(protocol, result string)
	Dropped(protocol string, n int)
	QueueDepth(protocol string, n int)
}

type nopRecorder struct{}

func (nopRecorder) Uploaded(string, string) {}
func (nopRecorder) Dropped(string, int)     {}
func (nopRecorder) QueueDepth(string, int)  {}
