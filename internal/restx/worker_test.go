package restx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacaudi/wunderground_like/internal/config"
	"github.com/jacaudi/wunderground_like/internal/packet"
)

// Mock archive manager for testing
type mockManager struct {
	mu    sync.Mutex
	sums  map[string]float64
	calls [][2]int64
	err   error
}

func (m *mockManager) Sum(_ context.Context, obsType string, start, end int64) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, [2]int64{start, end})
	if m.err != nil {
		return 0, false, m.err
	}
	key := fmt.Sprintf("%s:%d", obsType, end-start)
	if v, ok := m.sums[key]; ok {
		return v, true, nil
	}
	if v, ok := m.sums[obsType]; ok {
		return v, true, nil
	}
	return 0, false, nil
}

// Mock recorder for testing
type mockRecorder struct {
	mu      sync.Mutex
	results map[string]int
	dropped int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{results: make(map[string]int)}
}

func (r *mockRecorder) Uploaded(_ string, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result]++
}

func (r *mockRecorder) Dropped(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped += n
}

func (r *mockRecorder) QueueDepth(string, int) {}

// uploadServer records every request and answers with the configured reply.
type uploadServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []url.Values
	status   int
	body     string
}

func newUploadServer(t *testing.T, status int, body string) *uploadServer {
	s := &uploadServer{status: status, body: body}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET request, got %s", r.Method)
		}
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.Query())
		s.mu.Unlock()
		w.WriteHeader(s.status)
		fmt.Fprint(w, s.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *uploadServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *uploadServer) last() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestWorker(t *testing.T, serverURL string, mutate func(o *Options), options ...WorkerOption) (*AmbientWorker, *bytes.Buffer) {
	t.Helper()
	opts := validOptions()
	opts.ServerURL = serverURL
	opts.RetryWait = 0
	if mutate != nil {
		mutate(&opts)
	}

	var buf bytes.Buffer
	w, err := NewAmbientWorker(NewQueue(), nil, "Test", opts, testLogger(&buf), options...)
	require.NoError(t, err)
	return w, &buf
}

func record(ts int64) packet.Packet {
	return packet.Packet{
		"dateTime":    ts,
		"usUnits":     packet.US,
		"outTemp":     70.0,
		"outHumidity": 40.0,
	}
}

func TestNewAmbientWorkerRejectsInvalidOptions(t *testing.T) {
	opts := validOptions()
	opts.ServerURL = ""

	_, err := NewAmbientWorker(NewQueue(), nil, "Test", opts, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_url")

	_, err = NewAmbientWorker(nil, nil, "Test", validOptions(), slog.Default())
	assert.Error(t, err)
}

func TestProcessSuccess(t *testing.T) {
	srv := newUploadServer(t, http.StatusOK, "success\n")
	mgr := &mockManager{sums: map[string]float64{"rain:3600": 0.05, "rain": 0.5}}

	w, _ := newTestWorker(t, srv.URL+"/update", nil)
	w.manager = mgr

	rec := record(1700000000)
	require.NoError(t, w.process(context.Background(), rec))

	q := srv.last()
	require.NotNil(t, q)
	assert.Equal(t, "updateraw", q.Get("action"))
	assert.Equal(t, "KXXX123", q.Get("ID"))
	assert.Equal(t, "secret", q.Get("PASSWORD"))
	assert.Equal(t, "70.0", q.Get("tempf"))
	assert.Equal(t, "0.05", q.Get("rainin"))
	assert.Equal(t, "2023-11-14 22:13:20", q.Get("dateutc"))
	assert.NotEmpty(t, q.Get("dailyrainin"))

	assert.NotContains(t, rec, "hourRain", "the queued record is not modified")
	require.Len(t, mgr.calls, 2)
	assert.Equal(t, [2]int64{1700000000 - 3600, 1700000000}, mgr.calls[0])
	assert.Equal(t, [2]int64{startOfDay(1700000000), 1700000000}, mgr.calls[1])
}

func TestProcessKeepsExistingRainTotals(t *testing.T) {
	srv := newUploadServer(t, http.StatusOK, "success")
	mgr := &mockManager{sums: map[string]float64{"rain": 9}}

	w, _ := newTestWorker(t, srv.URL, nil)
	w.manager = mgr

	rec := record(1700000000)
	rec["hourRain"] = 0.2
	rec["dayRain"] = 0.4
	require.NoError(t, w.process(context.Background(), rec))

	assert.Empty(t, mgr.calls)
	assert.Equal(t, "0.20", srv.last().Get("rainin"))
	assert.Equal(t, "0.40", srv.last().Get("dailyrainin"))
}

func TestProcessManagerError(t *testing.T) {
	srv := newUploadServer(t, http.StatusOK, "success")
	w, _ := newTestWorker(t, srv.URL, nil)
	w.manager = &mockManager{err: errors.New("database is locked")}

	err := w.process(context.Background(), record(1700000000))
	assert.True(t, errors.Is(err, ErrFailedPost))
	assert.Equal(t, 0, srv.count())
}

func TestProcessResponses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		wantCalls int
	}{
		{"success", http.StatusOK, "success", nil, 1},
		{"empty body", http.StatusOK, "", nil, 1},
		{"invalid password", http.StatusOK, "INVALIDPASSWORDID|Password or key and/or id are incorrect", ErrBadLogin, 1},
		{"unauthorized body", http.StatusOK, "unauthorized", ErrBadLogin, 1},
		{"unauthorized status", http.StatusUnauthorized, "", ErrBadLogin, 1},
		{"unexpected body", http.StatusOK, "error: rate limited", ErrFailedPost, 1},
		{"client error", http.StatusBadRequest, "", ErrFailedPost, 1},
		{"server error retried", http.StatusBadGateway, "", ErrFailedPost, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newUploadServer(t, tt.status, tt.body)
			w, _ := newTestWorker(t, srv.URL, nil)

			err := w.process(context.Background(), record(1700000000))
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.wantErr), "error = %v, want %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, srv.count())
		})
	}
}

func TestProcessSingleTry(t *testing.T) {
	srv := newUploadServer(t, http.StatusServiceUnavailable, "")
	w, _ := newTestWorker(t, srv.URL, func(o *Options) { o.MaxTries = 1 })

	err := w.process(context.Background(), record(1700000000))
	assert.True(t, errors.Is(err, ErrFailedPost))
	assert.Contains(t, err.Error(), "after 1 tries")
	assert.Equal(t, 1, srv.count())
}

func TestProcessConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	w, _ := newTestWorker(t, addr, func(o *Options) { o.MaxTries = 2 })

	err := w.process(context.Background(), record(1700000000))
	assert.True(t, errors.Is(err, ErrFailedPost))
	assert.Contains(t, err.Error(), ErrConnect.Error())
}

func TestProcessTimeoutFollowsOption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, "success")
	}))
	t.Cleanup(srv.Close)

	t.Run("short timeout expires", func(t *testing.T) {
		w, _ := newTestWorker(t, srv.URL, func(o *Options) {
			o.Timeout = 0.05
			o.MaxTries = 1
		})
		err := w.process(context.Background(), record(1700000000))
		assert.True(t, errors.Is(err, ErrFailedPost))
	})

	t.Run("longer than the default", func(t *testing.T) {
		w, _ := newTestWorker(t, srv.URL, func(o *Options) {
			o.Timeout = 2 * config.DefaultTimeout
			o.MaxTries = 1
		})
		assert.Same(t, sharedClient, w.client)
		assert.Zero(t, sharedClient.Timeout)
		require.NoError(t, w.process(context.Background(), record(1700000000)))
	})
}

func TestSkipThisPost(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("skip upload", func(t *testing.T) {
		srv := newUploadServer(t, http.StatusOK, "success")
		w, buf := newTestWorker(t, srv.URL, func(o *Options) { o.SkipUpload = true })

		err := w.process(context.Background(), record(1700000000))
		assert.True(t, errors.Is(err, ErrAbortedPost))
		assert.Equal(t, 0, srv.count())
		assert.NotContains(t, buf.String(), "secret", "logged URL hides the password")
	})

	t.Run("stale", func(t *testing.T) {
		srv := newUploadServer(t, http.StatusOK, "success")
		w, _ := newTestWorker(t, srv.URL, func(o *Options) { o.Stale = 60 }, WithClock(func() time.Time { return now }))

		err := w.process(context.Background(), record(now.Unix()-120))
		assert.True(t, errors.Is(err, ErrAbortedPost))

		require.NoError(t, w.process(context.Background(), record(now.Unix()-30)))
		assert.Equal(t, 1, srv.count())
	})

	t.Run("post interval", func(t *testing.T) {
		srv := newUploadServer(t, http.StatusOK, "success")
		w, _ := newTestWorker(t, srv.URL, func(o *Options) { o.PostInterval = 300 })

		require.NoError(t, w.process(context.Background(), record(1000)))
		assert.True(t, errors.Is(w.process(context.Background(), record(1100)), ErrAbortedPost))
		require.NoError(t, w.process(context.Background(), record(1300)))
		assert.Equal(t, 2, srv.count())
	})

	t.Run("essentials", func(t *testing.T) {
		srv := newUploadServer(t, http.StatusOK, "success")
		w, _ := newTestWorker(t, srv.URL, func(o *Options) {
			o.Essentials = map[string]bool{"outHumidity": true, "radiation": false}
		})

		rec := record(1000)
		delete(rec, "outHumidity")
		err := w.process(context.Background(), rec)
		assert.True(t, errors.Is(err, ErrAbortedPost))
		assert.Contains(t, err.Error(), "outHumidity")

		require.NoError(t, w.process(context.Background(), record(1000)))
		assert.Equal(t, 1, srv.count())
	})

	t.Run("missing timestamp", func(t *testing.T) {
		w, _ := newTestWorker(t, "http://localhost/unused", nil)
		err := w.process(context.Background(), packet.Packet{"outTemp": 70.0})
		assert.True(t, errors.Is(err, ErrAbortedPost))
	})
}

func TestProcessRejectsMetricUnits(t *testing.T) {
	srv := newUploadServer(t, http.StatusOK, "success")
	w, _ := newTestWorker(t, srv.URL, nil)

	rec := record(1000)
	rec["usUnits"] = packet.MetricWX
	err := w.process(context.Background(), rec)
	assert.True(t, errors.Is(err, ErrFailedPost))
	assert.Equal(t, 0, srv.count())
}

func TestWorkerKeepsNewestWithZeroBacklog(t *testing.T) {
	srv := newUploadServer(t, http.StatusOK, "success")
	rec := newMockRecorder()
	w, _ := newTestWorker(t, srv.URL, func(o *Options) { o.MaxBacklog = 0 }, WithRecorder(rec))

	for ts := int64(1000); ts <= 1002; ts++ {
		w.queue.Put(record(ts))
	}

	w.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	require.Equal(t, 1, srv.count())
	assert.Equal(t, "1970-01-01 00:16:42", srv.last().Get("dateutc"))
	assert.Equal(t, 2, rec.dropped)
	assert.Equal(t, 1, rec.results[ResultSuccess])
}

func TestWorkerDrainsQueueOnStop(t *testing.T) {
	srv := newUploadServer(t, http.StatusOK, "success")
	rec := newMockRecorder()
	w, buf := newTestWorker(t, srv.URL, nil, WithRecorder(rec))

	w.Start()
	w.Start()
	for ts := int64(1000); ts < 1005; ts++ {
		w.queue.Put(record(ts))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	assert.Equal(t, 5, srv.count())
	assert.Equal(t, 5, rec.results[ResultSuccess])
	assert.Equal(t, 5, strings.Count(buf.String(), "published record"))
}

func TestWorkerLogFailureDisabled(t *testing.T) {
	srv := newUploadServer(t, http.StatusBadRequest, "")
	rec := newMockRecorder()
	w, buf := newTestWorker(t, srv.URL, func(o *Options) {
		o.LogFailure = false
		o.LogSuccess = false
	}, WithRecorder(rec))

	w.queue.Put(record(1000))
	w.Start()
	require.NoError(t, w.Stop(context.Background()))

	assert.Equal(t, 1, rec.results[ResultFailure])
	assert.NotContains(t, buf.String(), "failed to publish record")
}

func TestWorkerExitsOnBadLoginWithoutRetry(t *testing.T) {
	srv := newUploadServer(t, http.StatusOK, "INVALIDPASSWORDID")
	w, _ := newTestWorker(t, srv.URL, func(o *Options) { o.RetryLogin = 0 })

	w.queue.Put(record(1000))
	w.queue.Put(record(1001))
	w.Start()

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after bad login")
	}

	assert.Equal(t, 1, srv.count())
	assert.False(t, w.queue.Put(record(1002)), "queue is closed once the worker exits")
}

func TestStopUnstartedWorker(t *testing.T) {
	w, _ := newTestWorker(t, "http://localhost/unused", nil)
	assert.NoError(t, w.Stop(context.Background()))
	assert.False(t, w.queue.Put(record(1)))
}

func TestStartStopConcurrently(t *testing.T) {
	srv := newUploadServer(t, http.StatusOK, "success")

	for i := 0; i < 20; i++ {
		w, _ := newTestWorker(t, srv.URL, nil)
		w.queue.Put(record(int64(1000 + i)))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.Start()
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, w.Stop(ctx))
		}()
		wg.Wait()

		select {
		case <-w.done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not finish")
		}
		w.Start()
		assert.NoError(t, w.Stop(context.Background()))
	}
}

func TestStopCancelsRetryWait(t *testing.T) {
	srv := newUploadServer(t, http.StatusInternalServerError, "")
	w, _ := newTestWorker(t, srv.URL, func(o *Options) {
		o.RetryWait = 60
		o.MaxTries = 5
	})

	w.queue.Put(record(1000))
	w.Start()
	require.Eventually(t, func() bool { return srv.count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, srv.count())
}

func TestCheckResponse(t *testing.T) {
	tests := []struct {
		body string
		want error
	}{
		{"success", nil},
		{"success\n\nsuccess\n", nil},
		{"  success  ", nil},
		{"INVALIDPASSWORDID|Password or key and/or id are incorrect", ErrBadLogin},
		{"success\nunauthorized", ErrBadLogin},
		{"<html>oops</html>", ErrFailedPost},
	}

	for _, tt := range tests {
		err := checkResponse(strings.NewReader(tt.body))
		if tt.want == nil {
			assert.NoError(t, err, "body %q", tt.body)
			continue
		}
		assert.True(t, errors.Is(err, tt.want), "body %q: error = %v, want %v", tt.body, err, tt.want)
	}
}
