package capture

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"
)

func TestZipContainerEncoder_EncodesFramesAndManifest(t *testing.T) {
	enc := ZipContainerEncoder{}
	now := time.Unix(1700000000, 0).UTC()
	frames := []FrameResult{
		{Frame: Frame{Data: []byte("png-bytes-1"), CapturedAt: now, WindowRef: "win1"}},
		{Frame: Frame{Data: []byte("png-bytes-2"), CapturedAt: now.Add(time.Second)}, Dedupe: Dedupe{Enabled: true, Duplicate: true, Hash: "sha256", Fingerprint: "abc"}},
	}

	data, err := enc.Encode(context.Background(), frames)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"frame_0000.png", "frame_0001.png", "manifest.json"} {
		if !names[want] {
			t.Errorf("zip archive missing entry %q", want)
		}
	}
}

func TestEncoder_ClosesSegmentOnElapsedTime(t *testing.T) {
	in := NewFrameQueue(8)
	out := NewSegmentQueue(4)
	seq := 0
	idGen := func() string {
		seq++
		return "seg_test"
	}
	e := NewEncoder(in, out, ZipContainerEncoder{}, idGen, nil, nil)

	cfg := func() SegmentBoundaryConfig {
		return SegmentBoundaryConfig{SegmentSeconds: 0, ContainerType: "zip", FPSTarget: 5, BitrateKbps: 500}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, cfg)
		close(done)
	}()

	in.Push(FrameResult{Frame: Frame{Data: []byte("a"), CapturedAt: time.Now(), Width: 4, Height: 4}})
	time.Sleep(10 * time.Millisecond)
	in.Push(FrameResult{Frame: Frame{Data: []byte("b"), CapturedAt: time.Now(), Width: 4, Height: 4}})
	time.Sleep(10 * time.Millisecond)
	in.Push(FrameResult{Frame: Frame{Stop: true}})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Encoder.Run did not return after Stop sentinel")
	}

	var segments int
	for {
		art, ok := out.Pop()
		if !ok {
			break
		}
		segments++
		if art.ContainerType != "zip" {
			t.Errorf("ContainerType = %q, want zip", art.ContainerType)
		}
	}
	if segments == 0 {
		t.Fatal("expected at least one sealed segment artifact")
	}
}

func TestEncoder_BoundaryReachedOnResolutionChange(t *testing.T) {
	e := &Encoder{}
	seg := &inProgressSegment{width: 100, height: 100, startMono: time.Now()}
	cfg := SegmentBoundaryConfig{SegmentSeconds: 3600}

	if e.boundaryReached(seg, Frame{Width: 100, Height: 100}, cfg) {
		t.Fatal("same resolution must not trigger a boundary")
	}
	if !e.boundaryReached(seg, Frame{Width: 200, Height: 100}, cfg) {
		t.Fatal("resolution change must trigger a boundary")
	}
	if !e.boundaryReached(seg, Frame{Flush: true}, cfg) {
		t.Fatal("a FLUSH sentinel must always trigger a boundary")
	}
}
