package restx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sony/gobreaker"

	"github.com/jacaudi/wunderground_like/internal/ambient"
	"github.com/jacaudi/wunderground_like/internal/packet"
)

// maxResponseBytes bounds how much of a server reply is inspected.
const maxResponseBytes = 4096

// AmbientWorker drains a queue and posts every record to an Ambient-protocol
// server. One goroutine per worker.
type AmbientWorker struct {
	queue    *Queue
	manager  Manager
	protocol string
	opts     Options

	client   HTTPClient
	logger   Logger
	recorder Recorder
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time

	lastPost int64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

// WorkerOption customizes an AmbientWorker.
type WorkerOption func(*AmbientWorker)

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(c HTTPClient) WorkerOption {
	return func(w *AmbientWorker) { w.client = c }
}

// WithRecorder reports upload statistics to r.
func WithRecorder(r Recorder) WorkerOption {
	return func(w *AmbientWorker) { w.recorder = r }
}

// WithClock replaces time.Now, used for staleness checks.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *AmbientWorker) { w.now = now }
}

// NewAmbientWorker validates opts and returns a worker reading from queue.
// manager may be nil, in which case no rain totals are added.
func NewAmbientWorker(queue *Queue, manager Manager, protocol string, opts Options, logger Logger, options ...WorkerOption) (*AmbientWorker, error) {
	if queue == nil {
		return nil, errors.New("restx: nil queue")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", protocol, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &AmbientWorker{
		queue:    queue,
		manager:  manager,
		protocol: protocol,
		opts:     opts,
		client:   sharedClient,
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range options {
		o(w)
	}

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        protocol,
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// The server answered; only transport-level trouble opens the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrBadLogin) || errors.Is(err, ErrFailedPost)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upload circuit changed state",
				"protocol", name, "from", from.String(), "to", to.String())
		},
	})

	return w, nil
}

// Start launches the worker goroutine. Calling it more than once has no effect.
func (w *AmbientWorker) Start() {
	w.startOnce.Do(func() { go w.run() })
}

// Stop closes the queue and waits for queued records to be handled. If ctx
// ends first, in-flight work is cancelled. A worker that was never started
// cannot be started afterwards.
func (w *AmbientWorker) Stop(ctx context.Context) error {
	w.queue.Close()
	w.startOnce.Do(func() { close(w.done) })

	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

func (w *AmbientWorker) run() {
	defer close(w.done)

	for {
		rec, err := w.queue.Get(w.ctx)
		if err != nil {
			w.logger.Debug("upload worker exiting", "protocol", w.protocol, "reason", err.Error())
			return
		}

		// Keep the backlog bounded by discarding the oldest records.
		dropped := 0
		for w.queue.Len() > w.opts.MaxBacklog {
			next, err := w.queue.Get(w.ctx)
			if err != nil {
				break
			}
			rec = next
			dropped++
		}
		if dropped > 0 {
			w.logger.Debug("discarded backlogged records", "protocol", w.protocol, "count", dropped)
			w.recorder.Dropped(w.protocol, dropped)
		}
		w.recorder.QueueDepth(w.protocol, w.queue.Len())

		err = w.process(w.ctx, rec)
		if !w.report(rec, err) {
			return
		}
	}
}

// report logs the outcome of one record. It returns false when the worker
// should stop.
func (w *AmbientWorker) report(rec packet.Packet, err error) bool {
	ts, _ := rec.DateTime()
	stamp := time.Unix(ts, 0).UTC().Format(time.RFC3339)

	switch {
	case err == nil:
		w.recorder.Uploaded(w.protocol, ResultSuccess)
		if w.opts.LogSuccess {
			w.logger.Info("published record", "protocol", w.protocol, "record", stamp)
		}
	case errors.Is(err, ErrAbortedPost):
		w.recorder.Uploaded(w.protocol, ResultSkipped)
		w.logger.Debug("skipped record", "protocol", w.protocol, "record", stamp, "reason", err.Error())
	case errors.Is(err, ErrBadLogin):
		w.recorder.Uploaded(w.protocol, ResultFailure)
		w.logger.Error("bad login, check station and password", "protocol", w.protocol, "error", err.Error())
		if w.opts.RetryLogin <= 0 {
			w.logger.Error("upload worker exiting", "protocol", w.protocol)
			w.queue.Close()
			return false
		}
		w.logger.Warn("waiting before retrying login", "protocol", w.protocol, "seconds", w.opts.RetryLogin)
		if !w.wait(w.ctx, seconds(w.opts.RetryLogin)) {
			return false
		}
	case errors.Is(err, context.Canceled):
		return false
	default:
		w.recorder.Uploaded(w.protocol, ResultFailure)
		if w.opts.LogFailure {
			w.logger.Error("failed to publish record", "protocol", w.protocol, "record", stamp, "error", err.Error())
		}
	}
	return true
}

func (w *AmbientWorker) process(ctx context.Context, rec packet.Packet) error {
	if err := w.skipThisPost(rec); err != nil {
		return err
	}

	if units, ok := rec.Units(); ok && units != packet.US {
		return fmt.Errorf("%w: unit system %d, only US units can be posted", ErrFailedPost, units)
	}

	full, err := w.augment(ctx, rec)
	if err != nil {
		return err
	}

	data, err := ambient.Format(full, w.opts.Station, w.opts.Password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedPost, err)
	}

	if w.opts.SkipUpload {
		w.logger.Debug("upload skipped", "protocol", w.protocol, "url", data.Redacted(w.opts.ServerURL))
		return fmt.Errorf("%w: skip_upload is set", ErrAbortedPost)
	}

	return w.postWithRetries(ctx, data.URL(w.opts.ServerURL))
}

// skipThisPost applies the stale, post interval and essentials rules.
func (w *AmbientWorker) skipThisPost(rec packet.Packet) error {
	ts, ok := rec.DateTime()
	if !ok {
		return fmt.Errorf("%w: record has no dateTime", ErrAbortedPost)
	}

	if w.opts.Stale > 0 {
		age := w.now().Sub(time.Unix(ts, 0))
		if age > seconds(w.opts.Stale) {
			return fmt.Errorf("%w: record is %s old", ErrAbortedPost, age.Round(time.Second))
		}
	}

	if w.opts.PostInterval > 0 && w.lastPost != 0 {
		since := ts - w.lastPost
		if float64(since) < w.opts.PostInterval {
			return fmt.Errorf("%w: only %ds since last post", ErrAbortedPost, since)
		}
	}

	missing := lo.Filter(lo.Keys(w.opts.Essentials), func(name string, _ int) bool {
		v, ok := rec.Lookup(name)
		return w.opts.Essentials[name] && (!ok || v == nil)
	})
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing essential observations %v", ErrAbortedPost, missing)
	}

	w.lastPost = ts
	return nil
}

// augment returns a copy of rec with hourly and daily rain totals filled in
// from the archive.
func (w *AmbientWorker) augment(ctx context.Context, rec packet.Packet) (packet.Packet, error) {
	full := rec.Copy()
	if w.manager == nil {
		return full, nil
	}

	ts, _ := rec.DateTime()
	totals := []struct {
		name  string
		start int64
	}{
		{"hourRain", ts - 3600},
		{"dayRain", startOfDay(ts)},
	}

	for _, t := range totals {
		if _, ok := full[t.name]; ok {
			continue
		}
		sum, ok, err := w.manager.Sum(ctx, "rain", t.start, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFailedPost, t.name, err)
		}
		if ok {
			full[t.name] = sum
		}
	}
	return full, nil
}

func (w *AmbientWorker) postWithRetries(ctx context.Context, u string) error {
	var lastErr error
	for attempt := 1; attempt <= w.opts.MaxTries; attempt++ {
		_, err := w.breaker.Execute(func() (interface{}, error) {
			return nil, w.post(ctx, u)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBadLogin) || errors.Is(err, ErrFailedPost) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		w.logger.Debug("upload attempt failed",
			"protocol", w.protocol, "attempt", attempt, "max_tries", w.opts.MaxTries, "error", err.Error())

		if attempt < w.opts.MaxTries && !w.wait(ctx, seconds(w.opts.RetryWait)) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: failed upload after %d tries: %v", ErrFailedPost, w.opts.MaxTries, lastErr)
}

func (w *AmbientWorker) post(ctx context.Context, u string) error {
	ctx, cancel := context.WithTimeout(ctx, seconds(w.opts.Timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedPost, err)
	}
	req.Header.Set("User-Agent", ambient.SoftwareType)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: server returned %s", ErrBadLogin, resp.Status)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %s", ErrSend, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: server returned %s", ErrFailedPost, resp.Status)
	}

	return checkResponse(io.LimitReader(resp.Body, maxResponseBytes))
}

// checkResponse accepts a reply whose every non-blank line starts with "success".
func checkResponse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "INVALIDPASSWORDID"), strings.HasPrefix(line, "unauthorized"):
			return fmt.Errorf("%w: server returned %q", ErrBadLogin, line)
		case !strings.HasPrefix(line, "success"):
			return fmt.Errorf("%w: server returned %q", ErrFailedPost, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrSend, err)
	}
	return nil
}

// wait sleeps for d. It returns false if ctx ended first.
func (w *AmbientWorker) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func startOfDay(ts int64) int64 {
	t := time.Unix(ts, 0).In(time.Local)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local).Unix()
}
