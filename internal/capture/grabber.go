package capture

import (
	"context"
	"time"

	"github.com/autocapture/engine/infrastructure/hotlog"
	"github.com/autocapture/engine/infrastructure/metrics"
)

// FrameSource is the OS-facing frame producer. Concrete platform bindings
// (Windows/macOS/X11/Wayland screen capture) are an external collaborator
// per spec.md §1's out-of-scope list ("screen-capture platform
// bindings"); this core only depends on the interface.
type FrameSource interface {
	// Grab blocks until the next frame is ready or ctx is cancelled.
	Grab(ctx context.Context) (Frame, error)
}

// Grabber is the pipeline's first stage: it pulls frames from a
// FrameSource at fps_target and pushes them into a drop_oldest
// FrameQueue, counting and logging drops (spec.md §4.4's Grab row).
type Grabber struct {
	source  FrameSource
	queue   *FrameQueue
	deduper *Deduper
	metrics *metrics.Metrics
	hot     *hotlog.Logger
}

// NewGrabber builds a Grabber. metrics/hot may be nil in tests.
func NewGrabber(source FrameSource, queue *FrameQueue, deduper *Deduper, m *metrics.Metrics, hot *hotlog.Logger) *Grabber {
	return &Grabber{source: source, queue: queue, deduper: deduper, metrics: m, hot: hot}
}

// Run pulls frames at the cadence implied by fpsTarget until ctx is
// cancelled, then pushes a Stop sentinel so the encoder stage can drain
// and exit cleanly.
func (g *Grabber) Run(ctx context.Context, fpsTarget func() float64) {
	defer g.queue.Push(FrameResult{Frame: Frame{Stop: true}})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		interval := frameInterval(fpsTarget())
		start := time.Now()

		frame, err := g.source.Grab(ctx)
		if err != nil {
			if g.hot != nil {
				g.hot.Error("grab", err)
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}

		dd := Dedupe{}
		if g.deduper != nil && len(frame.PixelBytes) > 0 {
			verdict, drop, derr := g.deduper.Classify(frame.PixelBytes)
			if derr == nil {
				dd = verdict
				if drop {
					if g.metrics != nil {
						g.metrics.CaptureDropsTotal.WithLabelValues("grab", "dedupe_drop_exact").Inc()
					}
					sleepRemainder(start, interval, ctx)
					continue
				}
			}
		}

		dropped := g.queue.Push(FrameResult{Frame: frame, Dedupe: dd})
		if g.metrics != nil {
			g.metrics.CaptureFramesTotal.WithLabelValues("grab").Inc()
			if dropped {
				g.metrics.CaptureDropsTotal.WithLabelValues("grab", "drop_oldest").Inc()
			}
		}
		if g.hot != nil {
			g.hot.Frame("grab", "", 0, dropped)
		}

		sleepRemainder(start, interval, ctx)
	}
}

func frameInterval(fps float64) time.Duration {
	if fps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / fps)
}

func sleepRemainder(start time.Time, interval time.Duration, ctx context.Context) {
	remaining := interval - time.Since(start)
	if remaining <= 0 {
		return
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
