// Package restful binds uploaders to engine events. WundergroundLike posts
// to any server that speaks the Weather Underground Ambient protocol.
package restful

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jacaudi/wunderground_like/internal/cache"
	"github.com/jacaudi/wunderground_like/internal/config"
	"github.com/jacaudi/wunderground_like/internal/engine"
	"github.com/jacaudi/wunderground_like/internal/packet"
	"github.com/jacaudi/wunderground_like/internal/restx"
)

// Service is the name of the configuration section under StdRESTful.
const Service = "WundergroundLike"

// Protocol names reported by the workers.
const (
	ArchiveProtocol = "WundergroundLike"
	LiveProtocol    = "WundergroundLike-Live"
)

// requiredOptions must be present and not left at the installer placeholder.
var requiredOptions = []string{"station", "password", "server_url"}

// State of the binding, fixed once New returns.
type State int

const (
	StateUninitialized State = iota
	StateListening
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateDisabled:
		return "disabled"
	default:
		return "uninitialized"
	}
}

// Paths reports which upload paths are running.
type Paths struct {
	Archive bool
	Live    bool
}

// Binder registers event handlers. *engine.Bus satisfies it.
type Binder interface {
	Bind(t engine.EventType, h engine.Handler)
}

// Worker drains one upload queue.
type Worker interface {
	Start()
	Stop(ctx context.Context) error
}

// WorkerFactory builds the worker for one upload path.
type WorkerFactory func(q *restx.Queue, mgr restx.Manager, protocol string, opts restx.Options) (Worker, error)

// Deduper decides whether a live packet carries anything new since the last
// archive record.
type Deduper interface {
	Observe(p packet.Packet, ts int64) (packet.Packet, bool)
	Archived(rec packet.Packet)
}

// CacheFactory builds the Deduper used by the live path.
type CacheFactory func() Deduper

// WundergroundLike uploads archive records, and optionally live packets, to
// a custom server_url.
type WundergroundLike struct {
	logger     *slog.Logger
	manager    restx.Manager
	recorder   restx.Recorder
	newWorker  WorkerFactory
	newCache   CacheFactory
	skipUpload bool

	state    State
	paths    Paths
	settings config.Dict

	archiveQueue  *restx.Queue
	archiveWorker Worker
	loopQueue     *restx.Queue
	loopWorker    Worker
	cache         Deduper
}

// Option customizes a WundergroundLike.
type Option func(*WundergroundLike)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *WundergroundLike) { b.logger = l }
}

// WithManager gives the workers access to the archive database.
func WithManager(m restx.Manager) Option {
	return func(b *WundergroundLike) { b.manager = m }
}

// WithWorkerFactory replaces the Ambient protocol worker.
func WithWorkerFactory(f WorkerFactory) Option {
	return func(b *WundergroundLike) { b.newWorker = f }
}

// WithCacheFactory replaces the live packet de-duplication cache.
func WithCacheFactory(f CacheFactory) Option {
	return func(b *WundergroundLike) { b.newCache = f }
}

// WithMetrics reports upload statistics to r.
func WithMetrics(r restx.Recorder) Option {
	return func(b *WundergroundLike) { b.recorder = r }
}

// WithSkipUpload makes the workers log instead of posting.
func WithSkipUpload(skip bool) Option {
	return func(b *WundergroundLike) { b.skipUpload = skip }
}

// New reads the WundergroundLike section of cfg and binds to bus. Missing
// configuration disables the service; it is logged, never returned.
func New(bus Binder, cfg config.Dict, opts ...Option) *WundergroundLike {
	b := &WundergroundLike{
		logger: slog.Default(),
		newCache: func() Deduper {
			return cache.New()
		},
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("service", Service)
	if b.newWorker == nil {
		b.newWorker = b.ambientWorker
	}

	b.state = b.configure(bus, cfg)
	return b
}

func (b *WundergroundLike) configure(bus Binder, cfg config.Dict) State {
	site, err := config.SiteDict(cfg, Service, requiredOptions...)
	if err != nil {
		var missing *config.MissingOptionsError
		switch {
		case errors.Is(err, config.ErrNotEnabled):
			b.logger.Info("service not enabled")
		case errors.As(err, &missing):
			b.logger.Error("data will not be posted: missing required options",
				"required", missing.Required, "missing", missing.Missing)
		default:
			b.logger.Error("data will not be posted", "error", err)
		}
		return StateDisabled
	}

	// Rapidfire is never used; the loop_post path replaces it.
	if site.PopBool("rapidfire", false) {
		b.logger.Warn("rapidfire is not supported and has been turned off")
	}
	site.Set("rapidfire", false)
	if b.skipUpload {
		site.Set("skip_upload", true)
	}

	doArchive := site.PopBool("archive_post", true)
	doLive := site.PopBool("loop_post", false)
	b.settings = site

	b.logger.Debug("server_url configured", "server_url", site.String("server_url"))

	var essentials map[string]bool
	if ess, ok := config.SearchUpSection(cfg, []string{config.RESTfulSection, "Wunderground"}, "Essentials"); ok {
		essentials = ess.BoolMap()
	}
	b.logger.Debug("essentials", "essentials", essentials)

	if doArchive {
		b.archiveQueue, b.archiveWorker = b.startPath(ArchiveProtocol, site, essentials, false)
		if b.archiveWorker != nil {
			bus.Bind(engine.NewArchiveRecord, b.newArchiveRecord)
			b.paths.Archive = true
			b.logger.Info("data will be posted", "station", site.String("station"), "protocol", ArchiveProtocol)
		}
	}

	if doLive {
		live := site.Copy()
		live.SetDefault("log_success", false)
		live.SetDefault("log_failure", false)
		live.SetDefault("max_backlog", 0)
		live.SetDefault("max_tries", 1)
		live.SetDefault("rtfreq", 2.5)

		b.loopQueue, b.loopWorker = b.startPath(LiveProtocol, live, essentials, true)
		if b.loopWorker != nil {
			b.cache = b.newCache()
			bus.Bind(engine.NewLoopPacket, b.newLoopPacket)
			b.paths.Live = true
			b.logger.Info("data will be posted", "station", site.String("station"), "protocol", LiveProtocol)
		}
	}

	if !b.paths.Archive && !b.paths.Live {
		b.logger.Warn("no upload path enabled", "archive_post", doArchive, "loop_post", doLive)
		return StateDisabled
	}
	return StateListening
}

// startPath builds and starts the worker for one path. A nil worker means the
// path could not be set up. On the live path rtfreq is the minimum resend
// interval.
func (b *WundergroundLike) startPath(protocol string, site config.Dict, essentials map[string]bool, live bool) (*restx.Queue, Worker) {
	opts := restx.DefaultOptions()
	if err := site.Decode(&opts); err != nil {
		b.logger.Error("invalid options", "protocol", protocol, "error", err)
		return nil, nil
	}
	if live && opts.PostInterval == 0 {
		opts.PostInterval = opts.RTFreq
	}
	opts.Essentials = essentials

	q := restx.NewQueue()
	w, err := b.newWorker(q, b.manager, protocol, opts)
	if err != nil {
		b.logger.Error("could not start upload worker", "protocol", protocol, "error", err)
		q.Close()
		return nil, nil
	}
	w.Start()
	return q, w
}

func (b *WundergroundLike) ambientWorker(q *restx.Queue, mgr restx.Manager, protocol string, opts restx.Options) (Worker, error) {
	options := []restx.WorkerOption{}
	if b.recorder != nil {
		options = append(options, restx.WithRecorder(b.recorder))
	}
	w, err := restx.NewAmbientWorker(q, mgr, protocol, opts, b.logger, options...)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (b *WundergroundLike) newArchiveRecord(e engine.Event) {
	b.archiveQueue.Put(e.Record)
	if b.cache != nil {
		b.cache.Archived(e.Record)
	}
}

func (b *WundergroundLike) newLoopPacket(e engine.Event) {
	ts, ok := e.Packet.DateTime()
	if !ok {
		b.logger.Warn("loop packet without dateTime dropped")
		return
	}

	b.logger.Debug("raw packet", "packet", e.Packet.String())
	merged, novel := b.cache.Observe(e.Packet, ts)
	if !novel {
		b.logger.Debug("loop packet carries nothing new", "dateTime", ts)
		return
	}
	b.logger.Debug("cached packet", "packet", merged.String())
	b.loopQueue.Put(merged)
}

// State returns the state reached by New.
func (b *WundergroundLike) State() State { return b.state }

// Paths returns the running upload paths.
func (b *WundergroundLike) Paths() Paths { return b.paths }

// Settings returns the resolved configuration section. Nil when disabled by
// missing options.
func (b *WundergroundLike) Settings() config.Dict { return b.settings }

// Shutdown closes the queues and waits for the workers to finish.
func (b *WundergroundLike) Shutdown(ctx context.Context) error {
	var errs []error
	for _, w := range []Worker{b.archiveWorker, b.loopWorker} {
		if w == nil {
			continue
		}
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
