package capture

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePlugin struct {
	out map[string]interface{}
	err error

	gotCapability, gotMethod string
}

func (f *fakePlugin) Invoke(_ context.Context, capability, method string, _ map[string]interface{}) (map[string]interface{}, error) {
	f.gotCapability, f.gotMethod = capability, method
	return f.out, f.err
}

func TestPluginFrameSource_GrabDecodesKnownFields(t *testing.T) {
	plugin := &fakePlugin{out: map[string]interface{}{
		"data":       []byte{1, 2, 3},
		"width":      1920,
		"height":     1080,
		"window_ref": "win-1",
	}}
	source := NewPluginFrameSource(plugin)

	frame, err := source.Grab(context.Background())
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if plugin.gotCapability != ScreenCaptureCapability || plugin.gotMethod != "grab" {
		t.Fatalf("invoked (%q, %q), want (%q, %q)", plugin.gotCapability, plugin.gotMethod, ScreenCaptureCapability, "grab")
	}
	if frame.Width != 1920 || frame.Height != 1080 {
		t.Errorf("frame dims = %dx%d, want 1920x1080", frame.Width, frame.Height)
	}
	if frame.WindowRef != "win-1" {
		t.Errorf("WindowRef = %q, want win-1", frame.WindowRef)
	}
	if len(frame.PixelBytes) != 3 {
		t.Errorf("PixelBytes = %v, want 3 bytes", frame.PixelBytes)
	}
}

func TestPluginFrameSource_GrabToleratesMissingOptionalFields(t *testing.T) {
	source := NewPluginFrameSource(&fakePlugin{out: map[string]interface{}{}})

	frame, err := source.Grab(context.Background())
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if frame.Width != 0 || frame.Height != 0 || frame.WindowRef != "" {
		t.Errorf("expected zero-value frame fields for an empty response, got %+v", frame)
	}
}

func TestPluginFrameSource_GrabWrapsPluginError(t *testing.T) {
	source := NewPluginFrameSource(&fakePlugin{err: errors.New("capability denied")})

	if _, err := source.Grab(context.Background()); err == nil {
		t.Fatal("expected an error when the plugin invoke fails")
	}
}

func TestNullFrameSource_GrabBlocksUntilContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := (NullFrameSource{}).Grab(ctx)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("expected Grab to block until the context is cancelled")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Grab to return ctx.Err() after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Grab did not return after context cancellation")
	}
}
