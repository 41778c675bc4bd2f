// Package stream implements the push-update subscriber side of the protocol:
// a server-sent-events client with bounded reconnect and a polling-fallback
// signal for callers when reconnection is exhausted.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ivxp-foundation/ivxp/logger"
	"github.com/ivxp-foundation/ivxp/metrics"
)

// Event kinds pushed by a provider's per-order stream. Anything else on the
// wire is dropped.
const (
	EventStatusUpdate = "status_update"
	EventProgress     = "progress"
	EventCompleted    = "completed"
	EventFailed       = "failed"
)

// DefaultMaxRetries is the total number of connection attempts per
// (re)connection cycle.
const DefaultMaxRetries = 3

// DefaultBaseDelay is the backoff before the second attempt; it doubles per
// subsequent attempt.
const DefaultBaseDelay = time.Second

// ExhaustedError reports that every connection attempt of a cycle failed.
// Callers should fall back to polling the status endpoint.
type ExhaustedError struct {
	URL      string
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("stream connection to %s exhausted after %d attempts: %v", e.URL, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Handlers receives dispatched events. Nil members are skipped. A data
// payload that parses as JSON is delivered decoded; otherwise it arrives as
// the raw string.
//
// OnExhausted fires only for reconnection cycles after a connection has been
// established at least once; initial-connection exhaustion is returned from
// Connect instead, since the caller is still on the line.
type Handlers struct {
	OnStatusUpdate func(data interface{})
	OnProgress     func(data interface{})
	OnCompleted    func(data interface{})
	OnFailed       func(data interface{})
	OnExhausted    func(err *ExhaustedError)
}

// Client subscribes to one order's event stream.
type Client struct {
	url        string
	handlers   Handlers
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	log        logger.Logger
	metrics    metrics.Recorder
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used to dial the stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxRetries sets the total attempts per connection cycle.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseDelay sets the backoff before the second attempt of a cycle.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithLogger sets the client's log sink.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the client's metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(c *Client) {
		if rec != nil {
			c.metrics = rec
		}
	}
}

// NewClient creates a stream client for the given subscription URL.
func NewClient(url string, handlers Handlers, opts ...Option) *Client {
	c := &Client{
		url:        url,
		handlers:   handlers,
		httpClient: &http.Client{},
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		log:        logger.Noop{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the stream and starts dispatching events in the background.
//
// The initial connection is attempted up to maxRetries times with doubling
// backoff; if every attempt fails, Connect returns an *ExhaustedError. After
// a successful connection, an unexpected disconnect (one not preceded by a
// terminal completed/failed event) triggers the same bounded reconnect cycle
// in the background, reporting exhaustion through Handlers.OnExhausted.
//
// The returned cancel function aborts the in-flight request and any pending
// backoff timer; it is idempotent and safe to call at any point. Cancelling
// ctx has the same effect and surfaces as ctx.Err(), never as exhaustion.
func (c *Client) Connect(ctx context.Context) (func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() { once.Do(cancel) }

	resp, err := c.connectWithRetry(streamCtx)
	if err != nil {
		stop()
		return nil, err
	}

	go c.run(streamCtx, resp, stop)
	return stop, nil
}

// connectWithRetry runs one bounded connection cycle.
func (c *Client) connectWithRetry(ctx context.Context) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			delay := c.baseDelay << (attempt - 2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.dial(ctx)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.log.Warn("stream connection attempt failed",
			"url", c.url, "attempt", attempt, "maxRetries", c.maxRetries, "error", err)
	}
	return nil, &ExhaustedError{URL: c.url, Attempts: c.maxRetries, LastErr: lastErr}
}

func (c *Client) dial(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}
	return resp, nil
}

// run consumes the stream, reconnecting after non-terminal disconnects until
// a terminal event, exhaustion, or cancellation.
func (c *Client) run(ctx context.Context, resp *http.Response, stop func()) {
	defer stop()

	for {
		terminal := c.consume(ctx, resp)
		if terminal || ctx.Err() != nil {
			return
		}

		c.log.Info("stream disconnected, reconnecting", "url", c.url)
		c.metrics.IncCounter(metrics.EventStreamReconnect, nil)

		next, err := c.connectWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var exhausted *ExhaustedError
			if eh, ok := err.(*ExhaustedError); ok {
				exhausted = eh
			} else {
				exhausted = &ExhaustedError{URL: c.url, Attempts: c.maxRetries, LastErr: err}
			}
			c.log.Error("stream reconnection exhausted", "url", c.url, "attempts", exhausted.Attempts)
			if c.handlers.OnExhausted != nil {
				c.handlers.OnExhausted(exhausted)
			}
			return
		}
		resp = next
	}
}

// consume reads event frames until the stream ends. It reports whether a
// terminal event was observed.
func (c *Client) consume(ctx context.Context, resp *http.Response) bool {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, data string
	var sawData bool
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" && sawData {
				if c.dispatch(eventType, data) {
					return true
				}
			}
			eventType, data, sawData = "", "", false
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			sawData = true
		}
	}
	// A frame the server flushed without a trailing blank line before close.
	if eventType != "" && sawData && c.dispatch(eventType, data) {
		return true
	}
	return false
}

// dispatch routes one event to its handler and reports whether it was
// terminal. Unknown event types are dropped deliberately.
func (c *Client) dispatch(eventType, raw string) bool {
	var data interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		data = raw
	}

	switch eventType {
	case EventStatusUpdate:
		if c.handlers.OnStatusUpdate != nil {
			c.handlers.OnStatusUpdate(data)
		}
		return false
	case EventProgress:
		if c.handlers.OnProgress != nil {
			c.handlers.OnProgress(data)
		}
		return false
	case EventCompleted:
		if c.handlers.OnCompleted != nil {
			c.handlers.OnCompleted(data)
		}
		return true
	case EventFailed:
		if c.handlers.OnFailed != nil {
			c.handlers.OnFailed(data)
		}
		return true
	default:
		c.log.Debug("ignoring unknown stream event", "type", eventType)
		return false
	}
}
