// Package capture implements the three-stage grab -> encode -> write
// pipeline (spec.md §4.4): bounded queues joining OS-facing capture to
// crash-safe segment sealing.
package capture

import "time"

// Frame is one lossless screenshot, spec.md §3's Evidence.capture.frame.
// Data holds the already-encoded lossless PNG bytes; PixelBytes holds the
// raw pixels used for dedupe fingerprinting and is discarded once the
// frame has been admitted into a segment.
type Frame struct {
	Data          []byte
	PixelBytes    []byte
	Width         int
	Height        int
	CapturedAt    time.Time
	WindowRef     string
	InputRef      string
	Cursor        *Cursor
	MonitorLayout string

	// Flush marks a sentinel frame (spec.md §4.4's FLUSH) that forces the
	// encoder to close the in-progress segment without admitting a real
	// frame. Stop marks the pipeline shutdown sentinel.
	Flush bool
	Stop  bool
}

// Cursor is the optional pointer position/state captured alongside a frame.
type Cursor struct {
	X        int
	Y        int
	Visible  bool
	ClickRef string
}

// Dedupe is the per-frame dedupe verdict recorded in frame metadata
// (spec.md §3's dedupe.{enabled,hash,duplicate,fingerprint}).
type Dedupe struct {
	Enabled     bool
	Hash        string
	Duplicate   bool
	Fingerprint string
}

// FrameResult is what the grab stage pushes into the frame queue: a frame
// plus the dedupe verdict the encoder needs without re-hashing pixels.
type FrameResult struct {
	Frame  Frame
	Dedupe Dedupe
}

// Drops counts how many frames a queue discarded under its drop policy,
// per spec.md §3's drops.{frames,queue_depth_max,policy}.
type Drops struct {
	Frames        int64
	QueueDepthMax int
	Policy        string
}

// SegmentArtifact is what the encode stage pushes into the segment queue:
// an encoded container ready for the write stage to hash, persist, and
// seal. It is spec.md §3's Evidence.capture.segment before sealing.
type SegmentArtifact struct {
	SegmentID          string
	TSStartUTC         time.Time
	TSEndUTC           time.Time
	FrameCount         int
	Width              int
	Height             int
	ContainerType      string
	FPSTarget          float64
	FPSEffective       float64
	BitrateKbps        int
	Encoder            string
	Data               []byte
	Drops              Drops
	EncodeMsTotal      int64
	EncodeMsMax        int64
	WindowRef          string
	InputRef           string
	PolicySnapshotHash string
}
