//
//  Copyright © Maatini. All rights reserved.
//

// Package audit emits one structured JSON record per completed request
// to a dedicated sink.
//
// Audit records create the security trail for every request the gateway
// handles, including aborted ones. Each record carries the request
// identity, the caller, the redacted request headers and the response
// outcome.
//
// # Built-in sinks
//
//   - [NewStdoutFactory]: writes JSON lines to stdout
//   - [NewIoWriterFactory]: writes JSON lines to any io.Writer
//   - [NewNullFactory]: discards all records
//
// Custom sinks implement [Factory] and [Stream]; the factory pattern
// defers opening connections or buffers until the gateway starts.
package audit

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/maatini/authgate/internal/logging"
)

var logger = logging.GetLogger("audit")

// Redacted replaces sensitive header values in audit records.
const Redacted = "[REDACTED]"

// Outcome classifies the final response of a request.
type Outcome string

// Outcome values derived from the final status code.
const (
	OutcomeSuccess              Outcome = "SUCCESS"
	OutcomeAuthenticationFailed Outcome = "AUTHENTICATION_FAILED"
	OutcomeAuthorizationDenied  Outcome = "AUTHORIZATION_DENIED"
	OutcomeNotFound             Outcome = "NOT_FOUND"
	OutcomeRateLimited          Outcome = "RATE_LIMITED"
	OutcomeClientError          Outcome = "CLIENT_ERROR"
	OutcomeServerError          Outcome = "SERVER_ERROR"
	OutcomeUnknown              Outcome = "UNKNOWN"
)

// OutcomeFor derives the outcome from the final status code.
func OutcomeFor(status int) Outcome {
	switch {
	case status == http.StatusUnauthorized:
		return OutcomeAuthenticationFailed
	case status == http.StatusForbidden:
		return OutcomeAuthorizationDenied
	case status == http.StatusNotFound:
		return OutcomeNotFound
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status >= 400 && status < 500:
		return OutcomeClientError
	case status >= 500 && status < 600:
		return OutcomeServerError
	default:
		return OutcomeUnknown
	}
}

// Record is one audit entry.
type Record struct {
	Timestamp string         `json:"timestamp"`
	RequestID string         `json:"requestId"`
	EventType string         `json:"eventType"`
	User      UserRecord     `json:"user"`
	Request   RequestRecord  `json:"request"`
	Response  ResponseRecord `json:"response"`
	Outcome   Outcome        `json:"outcome"`
}

// UserRecord identifies the caller.
type UserRecord struct {
	ID     string `json:"id"`
	Email  string `json:"email,omitempty"`
	Tenant string `json:"tenant,omitempty"`
}

// RequestRecord describes the inbound request.
type RequestRecord struct {
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	QueryString   string            `json:"queryString,omitempty"`
	RemoteAddress string            `json:"remoteAddress,omitempty"`
	UserAgent     string            `json:"userAgent,omitempty"`
	Headers       map[string]string `json:"headers"`
}

// ResponseRecord describes the final response.
type ResponseRecord struct {
	StatusCode   int    `json:"statusCode"`
	StatusFamily string `json:"statusFamily"`
	DurationMs   int64  `json:"durationMs"`
}

// StatusFamily renders a status code's class, e.g. "2xx".
func StatusFamily(status int) string {
	switch {
	case status >= 100 && status < 600:
		return string(rune('0'+status/100)) + "xx"
	default:
		return "unknown"
	}
}

// RedactHeaders flattens request headers into a map, replacing values of
// sensitive headers with [Redacted]. Matching is case-insensitive.
func RedactHeaders(headers http.Header, sensitive []string) map[string]string {
	lowered := make(map[string]struct{}, len(sensitive))
	for _, name := range sensitive {
		lowered[http.CanonicalHeaderKey(name)] = struct{}{}
	}

	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		if _, ok := lowered[http.CanonicalHeaderKey(name)]; ok {
			out[name] = Redacted
		} else {
			out[name] = values[0]
		}
	}
	return out
}

// Factory creates audit [Stream] instances. Early initialization happens
// during factory construction; late initialization (opening files or
// connections) happens in NewStream.
type Factory interface {
	NewStream() (Stream, error)
}

// Stream delivers audit records to a destination. Implementations must
// be safe for concurrent use.
type Stream interface {
	// Send delivers one record. The gateway logs send errors but never
	// fails the request over them.
	Send(record *Record) error

	// Close flushes buffered records and releases resources.
	Close()
}

type ioWriterFactory struct {
	writer io.Writer
}

// NewStdoutFactory creates a Factory that writes records to stdout.
func NewStdoutFactory() Factory {
	return NewIoWriterFactory(os.Stdout)
}

// NewIoWriterFactory creates a Factory that writes records to w.
func NewIoWriterFactory(w io.Writer) Factory {
	return &ioWriterFactory{writer: w}
}

// NewStream creates a stream writing one JSON line per record.
func (f *ioWriterFactory) NewStream() (Stream, error) {
	return &ioWriterStream{writer: f.writer}, nil
}

type ioWriterStream struct {
	mu     sync.Mutex
	writer io.Writer
}

func (s *ioWriterStream) Send(record *Record) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(b)
	return err
}

func (s *ioWriterStream) Close() {}

type nullFactory struct{}

type nullStream struct{}

// NewNullFactory creates a Factory whose streams discard all records.
func NewNullFactory() Factory {
	return nullFactory{}
}

func (nullFactory) NewStream() (Stream, error) { return nullStream{}, nil }

func (nullStream) Send(*Record) error { return nil }
func (nullStream) Close()             {}

// Logger emits audit records for completed requests. Emission failures
// are logged and never propagate to the request path.
type Logger struct {
	enabled   bool
	sensitive []string
	stream    Stream
}

// NewLogger wires a Logger to a sink created from the factory.
func NewLogger(enabled bool, sensitive []string, factory Factory) (*Logger, error) {
	stream, err := factory.NewStream()
	if err != nil {
		return nil, err
	}
	return &Logger{enabled: enabled, sensitive: sensitive, stream: stream}, nil
}

// Emit records one completed request.
func (l *Logger) Emit(requestID string, userID, email, tenant string, r *http.Request, status int, started time.Time) {
	if !l.enabled {
		return
	}

	record := &Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
		EventType: "request",
		User: UserRecord{
			ID:     userID,
			Email:  email,
			Tenant: tenant,
		},
		Request: RequestRecord{
			Method:        r.Method,
			Path:          r.URL.Path,
			QueryString:   r.URL.RawQuery,
			RemoteAddress: r.RemoteAddr,
			UserAgent:     r.UserAgent(),
			Headers:       RedactHeaders(r.Header, l.sensitive),
		},
		Response: ResponseRecord{
			StatusCode:   status,
			StatusFamily: StatusFamily(status),
			DurationMs:   time.Since(started).Milliseconds(),
		},
		Outcome: OutcomeFor(status),
	}

	if err := l.stream.Send(record); err != nil {
		logger.Warnf("failed to write audit record for %s: %v", requestID, err)
	}
}

// Close flushes the underlying sink.
func (l *Logger) Close() {
	l.stream.Close()
}
