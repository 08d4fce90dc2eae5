package device

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gogpu/gputhread/host"
	"github.com/gogpu/gputhread/internal/hosttest"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, *hosttest.Device, *hosttest.Overlay) {
	t.Helper()
	dev := hosttest.NewDevice(host.RenderAPIVulkan)
	overlay := hosttest.NewOverlay()
	l := &Lifecycle{
		NewDevice: func(api host.RenderAPI) host.GraphicsDevice { return dev },
		Overlay:   overlay,
		Callbacks: host.NewRecordingCallbacks(),
		System:    &hosttest.System{},
		Settings:  &hosttest.Settings{},
	}
	return l, dev, overlay
}

func TestCreateSuccess(t *testing.T) {
	l, dev, overlay := newTestLifecycle(t)
	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatalf("Create() = %v, want nil", err)
	}
	if dev.Created != 1 {
		t.Errorf("device Create called %d times, want 1", dev.Created)
	}
	if overlay.Initialized != 1 {
		t.Errorf("overlay Initialized %d times, want 1", overlay.Initialized)
	}
	if l.RenderAPI != host.RenderAPIVulkan {
		t.Errorf("RenderAPI = %v, want Vulkan", l.RenderAPI)
	}
	if l.Device == nil {
		t.Error("Device should be set after successful Create")
	}
}

func TestCreateDeviceFailureCleansUp(t *testing.T) {
	dev := hosttest.NewDevice(host.RenderAPIVulkan)
	dev.CreateErr = hosttest.Errorf("boom")
	overlay := hosttest.NewOverlay()
	l := &Lifecycle{
		NewDevice: func(api host.RenderAPI) host.GraphicsDevice { return dev },
		Overlay:   overlay,
		Callbacks: host.NewRecordingCallbacks(),
		System:    &hosttest.System{},
		Settings:  &hosttest.Settings{},
	}

	if err := l.Create(host.RenderAPIVulkan); err == nil {
		t.Fatal("Create() = nil, want error")
	}
	if l.Device != nil {
		t.Error("Device should remain nil after a failed Create")
	}
	if l.RenderAPI != host.RenderAPINone {
		t.Errorf("RenderAPI = %v, want None after failed Create", l.RenderAPI)
	}
	if overlay.Initialized != 0 {
		t.Error("overlay should not be initialized if device creation fails")
	}
}

func TestCreateOverlayFailureCleansUpDevice(t *testing.T) {
	dev := hosttest.NewDevice(host.RenderAPIVulkan)
	overlay := hosttest.NewOverlay()
	overlay.InitErr = hosttest.Errorf("overlay boom")
	l := &Lifecycle{
		NewDevice: func(api host.RenderAPI) host.GraphicsDevice { return dev },
		Overlay:   overlay,
		Callbacks: host.NewRecordingCallbacks(),
		System:    &hosttest.System{},
		Settings:  &hosttest.Settings{},
	}

	if err := l.Create(host.RenderAPIVulkan); err == nil {
		t.Fatal("Create() = nil, want error")
	}
	if dev.Destroyed != 1 {
		t.Errorf("device should be destroyed after overlay init failure, Destroyed=%d", dev.Destroyed)
	}
	if l.Device != nil {
		t.Error("Device should be nil after a failed Create")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	l, dev, overlay := newTestLifecycle(t)
	l.Destroy()
	if dev.Destroyed != 0 || overlay.ShutdownN != 0 {
		t.Error("Destroy on a never-created lifecycle should be a no-op")
	}

	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatal(err)
	}
	l.Destroy()
	l.Destroy()
	if dev.Destroyed != 1 {
		t.Errorf("device Destroyed %d times, want exactly 1 across two Destroy() calls", dev.Destroyed)
	}
}

type fakeBackendRecreator struct {
	destroyed int
	created   int
}

func (f *fakeBackendRecreator) DestroyBackend()              { f.destroyed++ }
func (f *fakeBackendRecreator) CreateBackend(clearVRAM bool) { f.created++ }

func TestRecoverOnDeviceLostSucceedsAfterCooldown(t *testing.T) {
	l, dev, _ := newTestLifecycle(t)
	l.MinTimeBetweenResets = time.Millisecond
	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatal(err)
	}

	backend := &fakeBackendRecreator{}
	var fatalErr error
	l.Fatal = func(err error) { fatalErr = err }

	l.RecoverOnDeviceLost(backend)

	if fatalErr != nil {
		t.Fatalf("RecoverOnDeviceLost called Fatal: %v", fatalErr)
	}
	if backend.destroyed != 1 || backend.created != 1 {
		t.Errorf("backend destroyed=%d created=%d, want 1,1", backend.destroyed, backend.created)
	}
	if dev.Created != 2 {
		t.Errorf("device Created %d times, want 2 (initial + recovery)", dev.Created)
	}
}

func TestRecoverOnDeviceLostAbortsWithinCooldown(t *testing.T) {
	l, _, _ := newTestLifecycle(t)
	l.MinTimeBetweenResets = time.Hour
	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatal(err)
	}

	backend := &fakeBackendRecreator{}
	var fatalErr error
	l.Fatal = func(err error) { fatalErr = err }

	l.LastDeviceResetTime = time.Now()
	l.RecoverOnDeviceLost(backend)

	if fatalErr == nil {
		t.Fatal("expected RecoverOnDeviceLost to call Fatal within the cooldown window")
	}
	if backend.destroyed != 0 {
		t.Error("backend should not be torn down when the recovery aborts immediately")
	}
}

func TestPresentFrameInvokesDeviceLostHandler(t *testing.T) {
	l, dev, overlay := newTestLifecycle(t)
	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatal(err)
	}
	dev.PresentResult = host.PresentDeviceLost

	called := false
	l.PresentFrame(false, 0, nil, func() { called = true })

	if !called {
		t.Error("PresentFrame should invoke onDeviceLost when the present result is DeviceLost")
	}
	if overlay.EndFrames != 1 {
		t.Errorf("overlay EndFrame called %d times, want 1 when the present result is not OK", overlay.EndFrames)
	}
}

func TestPresentFrameSkipsWhenAllowed(t *testing.T) {
	l, dev, overlay := newTestLifecycle(t)
	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatal(err)
	}
	dev.SkipNextFrame = true

	l.PresentFrame(true, 0, nil, nil)

	if overlay.TextOverlays != 0 {
		t.Error("text overlays should not render on a skipped frame")
	}
	// Debug/overlay windows always render, even on skip.
	if overlay.OverlayWins != 1 || overlay.DebugWins != 1 {
		t.Error("overlay/debug windows must render even when the frame is skipped")
	}
	if overlay.EndFrames != 1 {
		t.Errorf("overlay EndFrame called %d times, want 1 on a skipped (non-OK) present", overlay.EndFrames)
	}
}

func TestCreateAndDestroyLogLifecycleTransitions(t *testing.T) {
	l, _, _ := newTestLifecycle(t)
	handler := hosttest.NewRecordingHandler()
	logger := slog.New(handler)
	l.Logger = func() *slog.Logger { return logger }

	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatal(err)
	}
	if !handler.HasMessage("device: created") {
		t.Error("Create should log a lifecycle transition record")
	}

	l.Destroy()
	if !handler.HasMessage("device: destroyed") {
		t.Error("Destroy should log a lifecycle transition record")
	}
}

func TestRecoverOnDeviceLostLogsWarnings(t *testing.T) {
	l, _, _ := newTestLifecycle(t)
	l.MinTimeBetweenResets = time.Millisecond
	handler := hosttest.NewRecordingHandler()
	logger := slog.New(handler)
	l.Logger = func() *slog.Logger { return logger }

	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatal(err)
	}
	l.Fatal = func(error) {}

	l.RecoverOnDeviceLost(&fakeBackendRecreator{})
	if !handler.HasMessage("device: lost, recovering") {
		t.Error("RecoverOnDeviceLost should log a warning when recovering")
	}
	if !handler.HasMessage("device: recovered from loss") {
		t.Error("RecoverOnDeviceLost should log an info record on success")
	}
}

func TestPresentFrameUpdatesPerfCountersOnce(t *testing.T) {
	l, dev, _ := newTestLifecycle(t)
	if err := l.Create(host.RenderAPIVulkan); err != nil {
		t.Fatal(err)
	}
	dev.GPUTiming = true
	dev.AccumulatedGPUTime = 10 * time.Millisecond

	l.PresentFrame(false, 0, nil, nil)
	if l.Perf.PresentsSinceUpdate != 0 {
		// updatePerformanceCounters resets it to 0 the first time through
		// since the dirty flag starts clear.
		t.Errorf("PresentsSinceUpdate = %d, want 0 after the first present's update", l.Perf.PresentsSinceUpdate)
	}

	l.Perf.MarkUpdatePending()
	l.PresentFrame(false, 0, nil, nil)
	l.PresentFrame(false, 0, nil, nil)
	if l.Perf.PresentsSinceUpdate != 1 {
		t.Errorf("PresentsSinceUpdate after two presents without a pending mark = %d, want 1", l.Perf.PresentsSinceUpdate)
	}
}
