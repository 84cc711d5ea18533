package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autocapture/engine/infrastructure/hotlog"
	"github.com/autocapture/engine/infrastructure/metrics"
	"github.com/autocapture/engine/internal/canon"
	"github.com/autocapture/engine/internal/capture/pressure"
	"github.com/autocapture/engine/internal/eventbuilder"
	"github.com/autocapture/engine/internal/keyring"
	"github.com/autocapture/engine/internal/store"
)

// Config mirrors internal/config.CaptureConfig's fields this package
// needs directly, keeping internal/capture free of a dependency on
// internal/config so it can be unit-tested without the full layered
// configuration loader.
type Config struct {
	FPSTarget         float64
	SegmentSeconds    int
	BitrateKbps       int
	ContainerType     string
	FrameQueueDepth   int
	SegmentQueueDepth int
	DedupeEnabled     bool
	DedupeHash        string
	DedupePolicy      string
	SpoolDir          string
}

// Pipeline wires the three capture stages (grab, encode, write) through
// their two bounded queues and runs each on its own goroutine, in the
// same start/stop/run-to-completion shape as the teacher's
// marble.Worker/WorkerGroup: three independent goroutines joined by
// channel-backed queues, a context for cooperative cancellation, and a
// WaitGroup the caller can block on to know every stage has drained.
type Pipeline struct {
	cfg      Config
	source   FrameSource
	frameQ   *FrameQueue
	segQ     *SegmentQueue
	grabber  *Grabber
	encoder  *Encoder
	writer   *Writer
	bp       *BackpressureController
	runID    string
	hot      *hotlog.Logger
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	seq      uint64
	curLevel atomic.Value // pressure.Level
}

// New builds a capture pipeline. source is the OS-facing frame producer;
// media/metaStore/builder are the already-open stores the write stage
// seals segments into; kr may be nil (dedupe fingerprints fall back to
// unkeyed hashing).
func New(runID string, cfg Config, source FrameSource, media *store.ContentStore, metaStore *store.MetadataStore, builder *eventbuilder.Builder, kr *keyring.Keyring, m *metrics.Metrics, hot *hotlog.Logger) *Pipeline {
	frameQ := NewFrameQueue(cfg.FrameQueueDepth)
	segQ := NewSegmentQueue(cfg.SegmentQueueDepth)
	deduper := NewDeduper(cfg.DedupeEnabled, cfg.DedupeHash, cfg.DedupePolicy, kr)

	p := &Pipeline{
		cfg:    cfg,
		source: source,
		frameQ: frameQ,
		segQ:   segQ,
		runID:  runID,
		hot:    hot,
		bp: NewBackpressureController(BackpressureConfig{
			FPSTarget:      cfg.FPSTarget,
			FPSFloor:       0.1,
			BitrateKbps:    cfg.BitrateKbps,
			BitrateFloor:   64,
			QueueWarnDepth: maxInt(cfg.FrameQueueDepth/2, 1),
		}),
	}
	p.curLevel.Store(pressure.LevelOK)

	p.grabber = NewGrabber(source, frameQ, deduper, m, hot)
	p.encoder = NewEncoder(frameQ, segQ, ZipContainerEncoder{}, p.nextSegmentID, m, hot)
	p.writer = NewWriter(segQ, cfg.SpoolDir, media, metaStore, builder, m, hot)
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (p *Pipeline) nextSegmentID() string {
	seq := atomic.AddUint64(&p.seq, 1)
	return canon.RecordID(p.runID, "capture_segment", seq)
}

// Start launches the three stage goroutines. Stop (or ctx cancellation)
// tears them down in pipeline order: the grabber observes ctx.Done and
// pushes a Stop sentinel, which drains the encoder, which closes the
// segment queue and drains the writer.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		p.grabber.Run(ctx, p.bp.FPSTarget)
	}()
	go func() {
		defer p.wg.Done()
		p.encoder.Run(ctx, p.segmentBoundaryConfig)
	}()
	go func() {
		defer p.wg.Done()
		p.writer.Run(ctx)
	}()
}

func (p *Pipeline) segmentBoundaryConfig() SegmentBoundaryConfig {
	return SegmentBoundaryConfig{
		SegmentSeconds: p.cfg.SegmentSeconds,
		ContainerType:  p.cfg.ContainerType,
		FPSTarget:      p.bp.FPSTarget(),
		BitrateKbps:    p.bp.BitrateKbps(),
	}
}

// Stop cancels the pipeline's context and blocks until all three stages
// have drained and exited.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Wait blocks until all three stages have exited on their own (e.g. the
// parent context was cancelled by the caller rather than by Stop).
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// ObservePressure folds a disk pressure sample into the backpressure
// controller, adjusting fps_target/bitrate_kbps and, at LevelCritical,
// arming a hard stop. Callers (the Conductor) invoke this on their own
// sampling cadence rather than the pipeline sampling disk pressure itself,
// keeping internal/capture's dependency on internal/capture/pressure
// limited to the Level type.
func (p *Pipeline) ObservePressure(level pressure.Level) {
	p.curLevel.Store(level)
	p.bp.Observe(p.frameQ.Depth(), level)
	if p.hot != nil {
		p.hot.Backpressure(string(level), p.frameQ.Depth(), p.bp.FPSTarget(), p.bp.BitrateKbps())
	}
}

// HardStopRequested reports whether critical disk pressure has armed a
// hard stop; the Conductor checks this after each ObservePressure call
// and calls Stop if true, then records a disk.critical event.
func (p *Pipeline) HardStopRequested() bool {
	return p.bp.HardStop()
}

// Level returns the most recently observed disk pressure level.
func (p *Pipeline) Level() pressure.Level {
	return p.curLevel.Load().(pressure.Level)
}

// FrameQueueDepth exposes the current frame queue depth for the
// Conductor's own telemetry snapshot.
func (p *Pipeline) FrameQueueDepth() int { return p.frameQ.Depth() }

// SegmentQueueDepth exposes the current segment queue depth.
func (p *Pipeline) SegmentQueueDepth() int { return p.segQ.Depth() }

// Flush forces the encoder to close its in-progress segment without
// waiting for segment_seconds to elapse, by pushing a FLUSH sentinel
// frame (spec.md §4.4's FLUSH sentinel). Used by shutdown and by tests
// that want a segment sealed deterministically.
func (p *Pipeline) Flush() {
	p.frameQ.Push(FrameResult{Frame: Frame{Flush: true, CapturedAt: time.Now().UTC()}})
}
