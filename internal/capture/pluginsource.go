package capture

import (
	"context"
	"fmt"
	"time"
)

// ScreenCaptureCapability is the capability name a loaded plugin must
// expose for kernel.Boot to bind it as the pipeline's FrameSource.
const ScreenCaptureCapability = "screen_capture"

const screenCaptureGrabMethod = "grab"

// ScreenCapturePlugin is the subset of registry.Registry/registry.Plugin a
// PluginFrameSource needs. Declared locally rather than importing
// internal/registry directly, matching spec.md §1's boundary: "screen-
// capture platform bindings" are an external collaborator this core only
// depends on through the interface it exposes, not a concrete package.
type ScreenCapturePlugin interface {
	Invoke(ctx context.Context, capability, method string, args map[string]interface{}) (map[string]interface{}, error)
}

// PluginFrameSource adapts a loaded plugin bound to the "screen_capture"
// capability to FrameSource.
type PluginFrameSource struct {
	plugin ScreenCapturePlugin
}

// NewPluginFrameSource wraps plugin as a FrameSource.
func NewPluginFrameSource(plugin ScreenCapturePlugin) *PluginFrameSource {
	return &PluginFrameSource{plugin: plugin}
}

// Grab invokes the plugin's grab method and decodes its response into a
// Frame. Fields the plugin's response omits keep their zero value rather
// than failing the call, since a minimal plugin may not report every
// optional field (cursor, monitor layout, input correlation).
func (s *PluginFrameSource) Grab(ctx context.Context) (Frame, error) {
	out, err := s.plugin.Invoke(ctx, ScreenCaptureCapability, screenCaptureGrabMethod, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("capture: screen_capture plugin grab: %w", err)
	}
	frame := Frame{CapturedAt: time.Now().UTC()}
	if data, ok := out["data"].([]byte); ok {
		frame.Data = data
		frame.PixelBytes = data
	}
	if w, ok := out["width"].(int); ok {
		frame.Width = w
	}
	if h, ok := out["height"].(int); ok {
		frame.Height = h
	}
	if ref, ok := out["window_ref"].(string); ok {
		frame.WindowRef = ref
	}
	if ref, ok := out["input_ref"].(string); ok {
		frame.InputRef = ref
	}
	if layout, ok := out["monitor_layout"].(string); ok {
		frame.MonitorLayout = layout
	}
	return frame, nil
}

// NullFrameSource is the FrameSource used when no screen_capture plugin is
// loaded: Grab blocks until ctx is cancelled, so the pipeline's stages
// stay alive — exercising queues, backpressure, and shutdown — without
// producing frames or busy-looping on a capability-denied error. This is
// the default spec.md §1 implies by scoping platform bindings out as an
// external collaborator: the core runs correctly with none configured.
type NullFrameSource struct{}

// Grab blocks until ctx is done, then returns ctx.Err().
func (NullFrameSource) Grab(ctx context.Context) (Frame, error) {
	<-ctx.Done()
	return Frame{}, ctx.Err()
}
