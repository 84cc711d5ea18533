package capture

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/autocapture/engine/infrastructure/hotlog"
	"github.com/autocapture/engine/infrastructure/metrics"
	"github.com/autocapture/engine/internal/canon"
)

// ContainerEncoder packages a closed segment's admitted frames into the
// bytes that will be hashed and persisted as one media blob. Concrete
// platform video codecs (avi_mjpeg's MJPEG codec, ffmpeg_mp4's H.264 via
// libavcodec) require cgo or subprocess bindings to an external binary,
// which spec.md §1 places out of scope alongside "screen-capture platform
// bindings" — ZipContainerEncoder is the one built-in encoder, used
// regardless of the configured container.type, which is still recorded
// verbatim in the sealed segment's metadata for a future platform-binding
// encoder to key off of.
type ContainerEncoder interface {
	Encode(ctx context.Context, frames []FrameResult) ([]byte, error)
}

// frameManifestEntry is the per-frame record stored in a zip segment's
// manifest.json, alongside the raw PNG bytes each entry names. It is the
// only place a frame's Dedupe verdict is persisted, since the metadata
// store projects segments, not individual frames (spec.md §3's
// dedupe.{enabled,hash,duplicate,fingerprint}).
type frameManifestEntry struct {
	Name        string    `json:"name"`
	CapturedAt  time.Time `json:"captured_at"`
	WindowRef   string    `json:"window_ref,omitempty"`
	InputRef    string    `json:"input_ref,omitempty"`
	DedupeMark  bool      `json:"dedupe_duplicate,omitempty"`
	DedupeHash  string    `json:"dedupe_hash,omitempty"`
	Fingerprint string    `json:"dedupe_fingerprint,omitempty"`
}

// ZipContainerEncoder stores each frame as an individual PNG entry plus a
// manifest.json index inside a zip archive — a format-matching use of the
// standard library's archive/zip, since the zip container.type literally
// is the zip format; there is no third-party replacement for zip writing
// in the example corpus.
type ZipContainerEncoder struct{}

func (ZipContainerEncoder) Encode(ctx context.Context, frames []FrameResult) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	manifest := make([]frameManifestEntry, 0, len(frames))
	for i, fr := range frames {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		f := fr.Frame
		name := fmt.Sprintf("frame_%04d.png", i)
		fw, err := w.Create(name)
		if err != nil {
			return nil, fmt.Errorf("capture: create zip entry %s: %w", name, err)
		}
		if _, err := fw.Write(f.Data); err != nil {
			return nil, fmt.Errorf("capture: write zip entry %s: %w", name, err)
		}
		manifest = append(manifest, frameManifestEntry{
			Name:        name,
			CapturedAt:  f.CapturedAt,
			WindowRef:   f.WindowRef,
			InputRef:    f.InputRef,
			DedupeMark:  fr.Dedupe.Duplicate,
			DedupeHash:  fr.Dedupe.Hash,
			Fingerprint: fr.Dedupe.Fingerprint,
		})
	}

	manifestBytes, err := canon.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("capture: encode manifest: %w", err)
	}
	mw, err := w.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("capture: create manifest entry: %w", err)
	}
	if _, err := mw.Write(manifestBytes); err != nil {
		return nil, fmt.Errorf("capture: write manifest entry: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("capture: close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// SegmentBoundaryConfig controls when the encoder closes the
// in-progress segment (spec.md §4.4's segment boundary rule).
type SegmentBoundaryConfig struct {
	SegmentSeconds int
	ContainerType  string
	FPSTarget      float64
	BitrateKbps    int
}

// Encoder is the pipeline's second stage: it drains the frame queue,
// accumulates frames into an in-progress segment, closes the segment on
// elapsed time / resolution change / FLUSH / STOP, encodes it, and pushes
// the result into the (blocking) segment queue.
type Encoder struct {
	in      *FrameQueue
	out     *SegmentQueue
	encoder ContainerEncoder
	idGen   func() string
	metrics *metrics.Metrics
	hot     *hotlog.Logger
}

// NewEncoder builds an Encoder. idGen mints segment IDs (run-scoped
// unique, per spec.md §3); metrics/hot may be nil in tests.
func NewEncoder(in *FrameQueue, out *SegmentQueue, enc ContainerEncoder, idGen func() string, m *metrics.Metrics, hot *hotlog.Logger) *Encoder {
	if enc == nil {
		enc = ZipContainerEncoder{}
	}
	return &Encoder{in: in, out: out, encoder: enc, idGen: idGen, metrics: m, hot: hot}
}

type inProgressSegment struct {
	id            string
	start         time.Time
	startMono     time.Time
	frames        []FrameResult
	drops         Drops
	width         int
	height        int
	encodeMsTotal int64
	encodeMsMax   int64
}

// Run drains the frame queue until a Stop sentinel arrives, closing the
// in-progress segment per the boundary rule and pushing each sealed
// artifact downstream. cfg() is read fresh on every boundary check so
// live backpressure adjustments (fps_target, bitrate_kbps) take effect on
// the next segment without restarting the encoder goroutine.
func (e *Encoder) Run(ctx context.Context, cfg func() SegmentBoundaryConfig) {
	defer e.out.Close()

	var seg *inProgressSegment
	for {
		fr, ok := e.in.Pop()
		if !ok {
			e.closeAndEmit(seg, cfg())
			return
		}
		f := fr.Frame

		if f.Stop {
			e.closeAndEmit(seg, cfg())
			return
		}

		c := cfg()

		if seg != nil && e.boundaryReached(seg, f, c) {
			e.closeAndEmit(seg, c)
			seg = nil
		}

		if f.Flush {
			continue
		}

		if seg == nil {
			seg = &inProgressSegment{
				id:        e.idGen(),
				start:     f.CapturedAt,
				startMono: time.Now(),
				width:     f.Width,
				height:    f.Height,
			}
		}

		// dedupe.mark_only frames are still admitted here; the write
		// stage persists each frame's Dedupe verdict in frame metadata.
		encodeStart := time.Now()
		seg.frames = append(seg.frames, fr)
		elapsedMs := time.Since(encodeStart).Milliseconds()
		seg.encodeMsTotal += elapsedMs
		if elapsedMs > seg.encodeMsMax {
			seg.encodeMsMax = elapsedMs
		}

		if e.metrics != nil {
			e.metrics.CaptureFramesTotal.WithLabelValues("encode").Inc()
		}
	}
}

func (e *Encoder) boundaryReached(seg *inProgressSegment, next Frame, c SegmentBoundaryConfig) bool {
	if next.Flush {
		return true
	}
	if next.Width != 0 && next.Height != 0 && (next.Width != seg.width || next.Height != seg.height) {
		return true
	}
	elapsed := time.Since(seg.startMono)
	return elapsed >= time.Duration(c.SegmentSeconds)*time.Second
}

func (e *Encoder) closeAndEmit(seg *inProgressSegment, c SegmentBoundaryConfig) {
	if seg == nil || len(seg.frames) == 0 {
		return
	}

	frames := make([]FrameResult, len(seg.frames))
	copy(frames, seg.frames)

	encodeStart := time.Now()
	data, err := e.encoder.Encode(context.Background(), frames)
	encodeMs := time.Since(encodeStart).Milliseconds()
	if err != nil {
		if e.hot != nil {
			e.hot.Error("encode", err)
		}
		return
	}

	end := frames[len(frames)-1].Frame.CapturedAt
	fpsEffective := float64(len(frames))
	if d := end.Sub(seg.start).Seconds(); d > 0 {
		fpsEffective = float64(len(frames)) / d
	}

	art := SegmentArtifact{
		SegmentID:     seg.id,
		TSStartUTC:    seg.start,
		TSEndUTC:      end,
		FrameCount:    len(frames),
		Width:         seg.width,
		Height:        seg.height,
		ContainerType: c.ContainerType,
		FPSTarget:     c.FPSTarget,
		FPSEffective:  fpsEffective,
		BitrateKbps:   c.BitrateKbps,
		Encoder:       "zip",
		Data:          data,
		Drops:         seg.drops,
		EncodeMsTotal: seg.encodeMsTotal + encodeMs,
		EncodeMsMax:   maxInt64(seg.encodeMsMax, encodeMs),
		WindowRef:     frames[0].Frame.WindowRef,
		InputRef:      frames[0].Frame.InputRef,
	}

	if e.metrics != nil {
		e.metrics.SegmentEncodeDuration.WithLabelValues(c.ContainerType).Observe(float64(encodeMs) / 1000)
	}
	if e.hot != nil {
		e.hot.Segment("encoded", seg.id, len(frames), time.Since(seg.startMono))
	}

	e.out.Push(art)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
