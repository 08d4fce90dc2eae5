// Package gputhread groups a [ring.Ring], a [wake.Protocol], a
// [device.Lifecycle], and a [backendlc.Lifecycle] into one GpuThread value:
// a producer-facing facade over a dedicated consumer goroutine that owns the
// graphics device and backend for its entire lifetime.
package gputhread

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputhread/backendlc"
	"github.com/gogpu/gputhread/device"
	"github.com/gogpu/gputhread/host"
	"github.com/gogpu/gputhread/ring"
	"github.com/gogpu/gputhread/wake"
)

// thresholdToWakeGPU is the pending-byte count past which Push wakes the
// consumer itself rather than leaving it for the next explicit wake or the
// next sync point. It matches the original system's 256-byte auto-wake
// threshold: small commands can batch up without paying a wakeup per call,
// but a backlog this size is worth waking the consumer for immediately.
const thresholdToWakeGPU = 256

// Config configures a new GpuThread. NewDevice, NewHardwareBackend,
// NewSoftwareBackend, and Overlay are required; everything else has a usable
// default.
type Config struct {
	// Capacity overrides ring.DefaultCapacity; zero means use the default.
	Capacity uint32

	NewDevice          func(api host.RenderAPI) host.GraphicsDevice
	NewHardwareBackend func() host.Backend
	NewSoftwareBackend func() host.Backend

	Overlay   host.Overlay
	Callbacks host.Callbacks
	System    host.System
	Settings  host.SettingsStore

	// MinTimeBetweenDeviceResets overrides device.DefaultMinTimeBetweenResets.
	MinTimeBetweenDeviceResets time.Duration

	// SpinDuration overrides wake.DefaultSpinDuration for Sync's busy-check.
	SpinDuration time.Duration

	// KeepAliveForOverlay, when true, makes DestroyBackend tear down only
	// the backend (keeping the device and consumer thread alive to render
	// the overlay) instead of shutting the whole thread down. Mirrors the
	// fullscreen-UI keep-alive mode.
	KeepAliveForOverlay bool
}

// asyncCallRegistry hands out small integer handles for producer-submitted
// thunks, so a TagAsyncCall payload only ever needs to carry an 8-byte id
// rather than an unsafely-packed closure.
type asyncCallRegistry struct {
	mu    sync.Mutex
	next  uint64
	table map[uint64]func()
}

func newAsyncCallRegistry() *asyncCallRegistry {
	return &asyncCallRegistry{table: make(map[uint64]func())}
}

func (r *asyncCallRegistry) put(fn func()) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.table[id] = fn
	return id
}

func (r *asyncCallRegistry) take(id uint64) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn := r.table[id]
	delete(r.table, id)
	return fn
}

// GpuThread coordinates a producer goroutine (the caller of every exported
// method below, except where noted) and a single consumer goroutine that
// owns the graphics device and backend. Construct with [New]; a zero
// GpuThread is not usable.
type GpuThread struct {
	ring     *ring.Ring
	wakeProt *wake.Protocol
	device   *device.Lifecycle
	backend  *backendlc.Lifecycle
	system   host.System

	asyncCalls *asyncCallRegistry

	producer producerGuard

	started  atomic.Bool
	shutdown atomic.Bool
	runIdle  atomic.Bool

	// keepAliveForOverlay is only ever read/written by the producer while
	// no Start/Shutdown race can observe it concurrently; SwitchBackend and
	// DestroyBackend are documented producer-only.
	keepAliveForOverlay bool

	wg         sync.WaitGroup
	startupErr error

	// lastSettingsSnapshot is consumer-only state updated on Create and on
	// every UpdateSettings thunk.
	lastSettingsSnapshot host.SettingsSnapshot
}

// New constructs a GpuThread. The consumer goroutine is not started until
// Start is called.
func New(cfg Config) *GpuThread {
	if cfg.Callbacks == nil {
		cfg.Callbacks = host.NullCallbacks{}
	}
	if cfg.System == nil {
		cfg.System = host.NullSystem{}
	}
	if cfg.Settings == nil {
		cfg.Settings = host.NewLayeredSettings()
	}

	g := &GpuThread{
		wakeProt:            wake.New(),
		system:              cfg.System,
		asyncCalls:          newAsyncCallRegistry(),
		keepAliveForOverlay: cfg.KeepAliveForOverlay,
	}
	if cfg.SpinDuration > 0 {
		g.wakeProt.SpinDuration = cfg.SpinDuration
	}
	g.ring = ring.New(cfg.Capacity, g.wakeProt.Wake)
	g.ring.OnProgrammerError = func(err error) {
		callFatalHandler(fmt.Errorf("%w: %w", ErrProgrammerError, err))
	}

	g.device = &device.Lifecycle{
		NewDevice: cfg.NewDevice,
		Overlay:   cfg.Overlay,
		Callbacks: cfg.Callbacks,
		System:    cfg.System,
		Settings:  cfg.Settings,
		Fatal:     callFatalHandler,
		Logger:    Logger,
	}
	if cfg.MinTimeBetweenDeviceResets > 0 {
		g.device.MinTimeBetweenResets = cfg.MinTimeBetweenDeviceResets
	}

	g.backend = &backendlc.Lifecycle{
		NewHardware: cfg.NewHardwareBackend,
		NewSoftware: cfg.NewSoftwareBackend,
		Callbacks:   cfg.Callbacks,
		Device:      g.device,
		Fatal:       callFatalHandler,
		Logger:      Logger,
	}

	return g
}

// IsStarted reports whether the consumer goroutine is currently running.
func (g *GpuThread) IsStarted() bool { return g.started.Load() }

// Start spawns the consumer goroutine and blocks until it has either
// finished creating a device for renderer (nil means no backend yet: the
// device is created for host.RenderAPINone and the consumer loop runs with
// no backend attached, for overlay use) or failed to do so. A
// failure leaves the GpuThread stopped and returns a *StartupError wrapping
// the underlying cause.
func (g *GpuThread) Start(renderer *host.RendererKind) error {
	g.producer.check()
	if g.started.Load() {
		return ErrAlreadyStarted
	}
	g.producer.bind()

	g.device.SetRequestedRenderer(renderer)
	g.shutdown.Store(false)
	g.runIdle.Store(false)
	g.started.Store(true)

	started := make(chan struct{})
	g.wg.Add(1)
	go g.runLoop(started)
	<-started

	if g.startupErr != nil {
		g.wg.Wait()
		g.started.Store(false)
		err := &StartupError{Err: g.startupErr}
		Logger().Warn("gputhread: start failed", "renderer", renderer, "err", err)
		g.startupErr = nil
		return err
	}
	Logger().Info("gputhread: started", "renderer", renderer)
	return nil
}

// Shutdown signals the consumer goroutine to drain, tear down its device
// and backend, and exit, then blocks until it has done so. A no-op if not
// started.
func (g *GpuThread) Shutdown() {
	g.producer.check()
	if !g.started.Load() {
		return
	}
	g.shutdown.Store(true)
	g.wakeProt.Wake()
	g.wg.Wait()
	g.started.Store(false)
	Logger().Info("gputhread: stopped")
}

func (g *GpuThread) changeBackend(renderer *host.RendererKind) error {
	if !g.IsStarted() {
		return ErrNotStarted
	}
	g.device.SetRequestedRenderer(renderer)
	slot := g.ring.Allocate(ring.TagChangeBackend, 0)
	g.ring.Publish(slot)
	g.wakeProt.Wake()
	return g.wakeProt.Sync(context.Background(), false)
}

// CreateBackend requests renderer. If the consumer thread is already
// running, this publishes a ChangeBackend command and blocks until the
// consumer has acted on it; otherwise it starts the thread fresh for
// renderer.
func (g *GpuThread) CreateBackend(renderer host.RendererKind) error {
	g.producer.check()
	if g.IsStarted() {
		return g.changeBackend(&renderer)
	}
	return g.Start(&renderer)
}

// SwitchBackend requests renderer. If forceRecreateDevice is false this is
// equivalent to CreateBackend's running-thread path: a live ChangeBackend
// swap, including a device recreation if the render API differs. If true,
// the consumer thread is fully stopped and restarted for renderer instead —
// useful when the caller wants a guaranteed clean device regardless of
// whether the render API actually changed.
func (g *GpuThread) SwitchBackend(renderer host.RendererKind, forceRecreateDevice bool) error {
	g.producer.check()
	if !forceRecreateDevice {
		return g.changeBackend(&renderer)
	}

	wasKeepAlive := g.keepAliveForOverlay
	g.Shutdown()
	if err := g.Start(&renderer); err != nil {
		g.keepAliveForOverlay = false
		return err
	}
	g.keepAliveForOverlay = wasKeepAlive
	return nil
}

// DestroyBackend tears down the active backend. If KeepAliveForOverlay was
// set, the device and consumer thread stay alive with no backend attached
// (so the overlay keeps rendering); otherwise the whole thread shuts down.
func (g *GpuThread) DestroyBackend() error {
	g.producer.check()
	if !g.IsStarted() {
		return nil
	}
	if g.keepAliveForOverlay {
		return g.changeBackend(nil)
	}
	g.Shutdown()
	return nil
}

// AllocateCommand reserves a slot for a backend-specific command. Callers
// fill Slot.Payload and must call Push, PushAndWake, or PushAndSync exactly
// once afterward.
func (g *GpuThread) AllocateCommand(tag ring.CommandTag, payloadSize uint32) ring.Slot {
	g.producer.check()
	return g.ring.Allocate(tag, payloadSize)
}

// Push publishes slot. If the backlog this leaves behind meets
// thresholdToWakeGPU, it also wakes the consumer immediately; otherwise the
// consumer picks it up on its next wake or sync.
func (g *GpuThread) Push(slot ring.Slot) {
	g.producer.check()
	if pending := g.ring.Publish(slot); pending >= thresholdToWakeGPU {
		g.wakeProt.Wake()
	}
}

// PushAndWake publishes slot and unconditionally wakes the consumer.
func (g *GpuThread) PushAndWake(slot ring.Slot) {
	g.producer.check()
	g.ring.Publish(slot)
	g.wakeProt.Wake()
}

// PushAndSync publishes slot, wakes the consumer, and blocks until it has
// drained everything published up to and including slot. If spin is true,
// the wait busy-checks briefly before blocking, which avoids a semaphore
// round-trip for commands the consumer handles quickly.
func (g *GpuThread) PushAndSync(slot ring.Slot, spin bool) error {
	g.producer.check()
	g.ring.Publish(slot)
	g.wakeProt.Wake()
	return g.wakeProt.Sync(context.Background(), spin)
}

// RunOnThread schedules fn to run once on the consumer goroutine and wakes
// it immediately. fn must not block.
func (g *GpuThread) RunOnThread(fn func()) {
	g.producer.check()
	id := g.asyncCalls.put(fn)
	slot := g.ring.Allocate(ring.TagAsyncCall, 8)
	binary.LittleEndian.PutUint64(slot.Payload, id)
	g.PushAndWake(slot)
}

// UpdateSettings re-snapshots the settings store on the consumer thread and
// reapplies anything the device/backend lifecycle derives from it (GPU
// timing enablement, resolution scale, feature toggles).
func (g *GpuThread) UpdateSettings() {
	g.producer.check()
	g.RunOnThread(func() {
		old := g.lastSettingsSnapshot
		snap := g.device.Settings.Snapshot()

		if snap.ShowGPUUsage != old.ShowGPUUsage || snap.ShowGPUStatistics != old.ShowGPUStatistics {
			g.device.Perf.MarkUpdatePending()
		}
		if snap.ShowGPUUsage != old.ShowGPUUsage && g.device.Device != nil {
			g.device.Perf.AccumulatedGPUTime = 0
			g.device.Perf.AverageGPUTime = 0
			g.device.Perf.GPUUsage = 0
			g.device.Device.SetGPUTimingEnabled(snap.ShowGPUUsage)
		}
		if g.backend.Active != nil {
			g.backend.Active.UpdateSettings(old)
			if snap.ResolutionScale != old.ResolutionScale {
				g.backend.Active.UpdateResolutionScale()
			}
		}

		g.lastSettingsSnapshot = snap
	})
}

// ResizeDisplayWindow resizes the device's window on the consumer thread and
// presents a couple of frames immediately if the emulated system is paused,
// so the resize is visible without waiting for the next emulated frame.
func (g *GpuThread) ResizeDisplayWindow(width, height int, scale float64) {
	g.producer.check()
	g.RunOnThread(func() {
		if g.device.Device == nil {
			return
		}
		g.device.Device.ResizeWindow(width, height, scale)
		w, h := g.device.Device.WindowSize()
		g.device.Overlay.WindowResized(w, h)
		if g.backend.Active != nil {
			g.backend.Active.UpdateResolutionScale()
		}
		if g.system.IsValid() && g.system.IsPaused() {
			g.presentOnThread(false, 0)
		}
	})
	g.system.HostDisplayResized()
}

// UpdateDisplayWindow re-applies the device's current window handle on the
// consumer thread, for platforms where the window handle can change
// underneath the device (e.g. toggling fullscreen).
func (g *GpuThread) UpdateDisplayWindow() {
	g.producer.check()
	g.RunOnThread(func() {
		if g.device.Device == nil {
			return
		}
		if !g.device.Device.UpdateWindow() {
			g.device.Callbacks.ReportErrorAsync("Error", "Failed to change window after update.")
			return
		}
		w, h := g.device.Device.WindowSize()
		g.device.Overlay.WindowResized(w, h)
		g.system.HostDisplayResized()
		if g.system.IsValid() {
			g.system.UpdateSpeedLimiterState()
			if g.system.IsPaused() {
				g.presentOnThread(false, 0)
			}
		}
	})
}

// SetVSync requests a new vsync mode and present-throttle flag, applied on
// the consumer thread. A no-op if the requested values already match what's
// currently requested.
func (g *GpuThread) SetVSync(mode host.VSyncMode, allowPresentThrottle bool) {
	g.producer.check()
	current, currentThrottle := g.device.RequestedVSync()
	if current == mode && currentThrottle == allowPresentThrottle {
		return
	}
	g.device.SetRequestedVSync(mode, allowPresentThrottle)
	slot := g.ring.Allocate(ring.TagUpdateVSync, 0)
	g.PushAndWake(slot)
}

// PresentCurrentFrame presents the frame currently accumulated in the
// backend, on the consumer thread. A no-op while run-idle mode is enabled,
// since the consumer loop itself is already presenting idle frames on its
// own schedule in that mode.
func (g *GpuThread) PresentCurrentFrame() {
	g.producer.check()
	if g.runIdle.Load() {
		return
	}
	g.RunOnThread(func() {
		g.presentOnThread(false, 0)
	})
}

// SetRunIdle enables or disables run-idle mode: while enabled, the consumer
// loop presents idle frames on its own schedule instead of sleeping when the
// ring is empty, and PresentCurrentFrame becomes a no-op.
func (g *GpuThread) SetRunIdle(enabled bool) {
	g.producer.check()
	g.runIdle.Store(enabled)
}

func (g *GpuThread) presentOnThread(allowSkip bool, presentTime uint64) {
	g.device.PresentFrame(allowSkip, presentTime, g.backend.Active, g.onDeviceLost)
}

func (g *GpuThread) onDeviceLost() {
	g.device.RecoverOnDeviceLost(g.backend)
}
