// Package device implements the consumer-side graphics device lifecycle:
// creation against a requested render API, teardown, device-lost recovery
// with a rate-limited abort floor, and per-frame presentation. Everything
// here runs exclusively on the consumer goroutine except the "requested"
// fields, which a producer writes through atomics before publishing a
// ChangeBackend/UpdateVSync command (see package wake and the root
// gputhread package's facade).
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputhread/host"
)

// DefaultMinTimeBetweenResets is the device-loss abort floor: two device
// losses closer together than this are treated as an unrecoverable wedge
// and abort the process rather than looping forever.
const DefaultMinTimeBetweenResets = 15 * time.Second

// ErrDeviceLostTooFrequently is passed to Fatal when two device losses
// occur within MinTimeBetweenResets of each other.
var ErrDeviceLostTooFrequently = errors.New("device: lost too many times, device is probably wedged")

// ErrRecreateAfterLossFailed is passed to Fatal when re-creating the device
// after a loss itself fails.
var ErrRecreateAfterLossFailed = errors.New("device: failed to recreate device after loss")

// PerfState tracks the rolling present-time/GPU-usage counters both the
// consumer and, indirectly via MarkUpdatePending, the producer touch.
type PerfState struct {
	PresentsSinceUpdate uint32
	AccumulatedGPUTime  time.Duration
	AverageGPUTime      time.Duration
	GPUUsage            float64
	LastUpdateTime      time.Time

	// updated is the single-bit "dirty" flag: false means the next present
	// must recompute the rolling counters. Touched by both sides, so it is
	// an atomic.Bool rather than a plain bool.
	updated atomic.Bool
}

// MarkUpdatePending clears the dirty flag, forcing the next PresentFrame to
// recompute the rolling counters. Safe to call from either goroutine (e.g.
// in response to a settings change that affects GPU timing).
func (p *PerfState) MarkUpdatePending() {
	p.updated.Store(false)
}

// testAndMarkUpdated reports whether the counters were already up to date,
// and marks them updated as a side effect — mirroring a C++ atomic_flag's
// test_and_set.
func (p *PerfState) testAndMarkUpdated() (alreadyUpdated bool) {
	return p.updated.Swap(true)
}

// Lifecycle owns the [host.GraphicsDevice] for the lifetime of the consumer
// goroutine. Create/Destroy/RecoverOnDeviceLost/PresentFrame/UpdateVSync
// must only ever be called from that goroutine.
type Lifecycle struct {
	// NewDevice constructs a not-yet-created GraphicsDevice for api. Called
	// by Create; the returned device has Create invoked on it immediately.
	NewDevice func(api host.RenderAPI) host.GraphicsDevice

	Overlay   host.Overlay
	Callbacks host.Callbacks
	System    host.System
	Settings  host.SettingsStore

	// MinTimeBetweenResets overrides DefaultMinTimeBetweenResets; zero
	// means use the default. Tests shrink this to make S6 practical.
	MinTimeBetweenResets time.Duration

	// Fatal is invoked for the two documented abort conditions: the
	// device-loss rate limit and a failed post-loss re-creation. Defaults
	// to panic; the owning GpuThread overrides it with its own
	// FatalHandler so tests can intercept aborts.
	Fatal func(error)

	// Logger returns the logger lifecycle transitions are recorded to.
	// The owning GpuThread wires this to its root package's Logger
	// accessor, so subpackages share one hot-swappable logger without
	// importing it directly and creating a cycle. Nil means silent.
	Logger func() *slog.Logger

	// RenderAPI is the API the current Device was created for, or
	// host.RenderAPINone if there is no live device.
	RenderAPI host.RenderAPI
	// Device is the live graphics device, or nil.
	Device host.GraphicsDevice

	// Requested* are written by the producer behind a release fence
	// (guaranteed here simply by using atomics) before a ChangeBackend or
	// UpdateVSync command is published; the consumer reads them with an
	// acquire load in the corresponding handler.
	requestedRenderer             atomic.Pointer[host.RendererKind]
	requestedVSync                atomic.Int32
	requestedAllowPresentThrottle atomic.Bool

	LastDeviceResetTime time.Time
	Perf                PerfState
}

// SetRequestedRenderer stores the renderer a producer wants active. Pass
// nil to request "no backend." Safe to call from the producer goroutine.
func (l *Lifecycle) SetRequestedRenderer(r *host.RendererKind) {
	l.requestedRenderer.Store(r)
}

// RequestedRenderer loads the currently requested renderer, or nil if none
// is requested. Safe to call from either goroutine.
func (l *Lifecycle) RequestedRenderer() *host.RendererKind {
	return l.requestedRenderer.Load()
}

// SetRequestedVSync stores the vsync mode and present-throttle flag a
// producer wants applied. Safe to call from the producer goroutine.
func (l *Lifecycle) SetRequestedVSync(mode host.VSyncMode, allowPresentThrottle bool) {
	l.requestedVSync.Store(int32(mode))
	l.requestedAllowPresentThrottle.Store(allowPresentThrottle)
}

// RequestedVSync loads the currently requested vsync mode and
// present-throttle flag. Safe to call from either goroutine.
func (l *Lifecycle) RequestedVSync() (host.VSyncMode, bool) {
	return host.VSyncMode(l.requestedVSync.Load()), l.requestedAllowPresentThrottle.Load()
}

func (l *Lifecycle) minTimeBetweenResets() time.Duration {
	if l.MinTimeBetweenResets > 0 {
		return l.MinTimeBetweenResets
	}
	return DefaultMinTimeBetweenResets
}

func (l *Lifecycle) fatal(err error) {
	if l.Fatal != nil {
		l.Fatal(err)
		return
	}
	panic(err)
}

func (l *Lifecycle) logger() *slog.Logger {
	if l.Logger != nil {
		if lg := l.Logger(); lg != nil {
			return lg
		}
	}
	return slog.New(slog.DiscardHandler)
}

// Create instantiates a device for api, deriving the disabled-feature mask
// and display preferences from the current settings snapshot, then
// initializes the overlay on top of it. On failure it tears down whatever
// was partially created and resets RenderAPI to None.
func (l *Lifecycle) Create(api host.RenderAPI) error {
	if l.Device != nil {
		return fmt.Errorf("device: Create called with a device already live (api=%s)", l.RenderAPI)
	}

	snapshot := l.Settings.Snapshot()
	dev := l.NewDevice(api)
	vsync, throttle := l.RequestedVSync()

	shaderCacheDir := snapshot.ShaderCacheDir
	if snapshot.DisableShaderCache {
		shaderCacheDir = ""
	}

	if err := dev.Create(snapshot.Adapter, shaderCacheDir, shaderCacheVersion, snapshot.UseDebugDevice,
		vsync, throttle, nil, snapshot.DisabledFeatureMask()); err != nil {
		l.RenderAPI = host.RenderAPINone
		l.logger().Warn("device: create failed", "api", api, "err", err)
		return fmt.Errorf("device: failed to create %s device: %w", api, err)
	}

	if err := l.Overlay.Initialize(float64(snapshot.DisplayOSDScale) / 100.0); err != nil {
		dev.Destroy()
		l.RenderAPI = host.RenderAPINone
		l.logger().Warn("device: overlay init failed", "api", api, "err", err)
		return fmt.Errorf("device: failed to initialize overlay: %w", err)
	}

	l.Device = dev
	l.RenderAPI = dev.GetRenderAPI()
	l.Perf = PerfState{LastUpdateTime: time.Now()}
	dev.SetGPUTimingEnabled(snapshot.ShowGPUUsage)
	l.logger().Info("device: created", "api", l.RenderAPI)
	return nil
}

// shaderCacheVersion identifies the on-disk shader cache format; bumped
// whenever the backend command encoding changes in a way that would make a
// cached shader stale.
const shaderCacheVersion = 1

// Destroy tears down the overlay and device. Idempotent: calling it with no
// live device is a no-op.
func (l *Lifecycle) Destroy() {
	if l.Device == nil {
		return
	}
	l.Overlay.DestroyOverlayTextures()
	l.Overlay.Shutdown()
	l.Device.Destroy()
	l.logger().Info("device: destroyed", "api", l.RenderAPI)
	l.Device = nil
	l.RenderAPI = host.RenderAPINone
}

// BackendRecreator is the narrow view of the backend lifecycle that device
// recovery needs: destroy whatever backend is active, then recreate one for
// the currently requested renderer. Implemented by backendlc.Lifecycle; kept
// as an interface here so this package never imports backendlc.
type BackendRecreator interface {
	DestroyBackend()
	CreateBackend(clearVRAM bool)
}

// RecoverOnDeviceLost is called after a present reports [host.PresentDeviceLost].
// If the previous reset happened too recently it aborts via Fatal to avoid
// an endless reset loop; otherwise it tears down the backend and device and
// recreates both for the currently requested renderer, posting a
// user-visible warning. The caller must treat the first frame after this
// returns as untrusted.
func (l *Lifecycle) RecoverOnDeviceLost(backend BackendRecreator) {
	now := time.Now()
	if !l.LastDeviceResetTime.IsZero() && now.Sub(l.LastDeviceResetTime) < l.minTimeBetweenResets() {
		l.logger().Warn("device: lost again within the reset floor, aborting", "api", l.RenderAPI)
		l.fatal(ErrDeviceLostTooFrequently)
		return
	}
	l.LastDeviceResetTime = now
	l.logger().Warn("device: lost, recovering", "api", l.RenderAPI)

	backend.DestroyBackend()
	apiToRecreate := l.RenderAPI
	l.Destroy()

	if err := l.Create(apiToRecreate); err != nil {
		l.logger().Warn("device: recreate after loss failed", "api", apiToRecreate, "err", err)
		l.fatal(fmt.Errorf("%w: %w", ErrRecreateAfterLossFailed, err))
		return
	}

	backend.CreateBackend(false)
	l.logger().Info("device: recovered from loss", "api", l.RenderAPI)

	l.Callbacks.AddIconOSDWarning("HostGPUDeviceLost", "warning",
		"Host GPU device encountered an error and has recovered. This may cause broken rendering.",
		host.OSDDuration)
}

// UpdateVSync re-reads the requested vsync mode and present-throttle flag
// and applies them to the live device. Called by the consumer loop in
// response to an UpdateVSync command.
func (l *Lifecycle) UpdateVSync() {
	mode, throttle := l.RequestedVSync()
	l.Device.SetVSyncMode(mode, throttle)
	l.logger().Info("device: vsync updated", "mode", mode, "allowPresentThrottle", throttle)
}

// PresentFrame flushes any pending backend work, advances the rolling
// performance counters, and presents a frame. backend may be nil (a device
// with no backend attached still presents, e.g. for overlay-only/fullscreen
// UI sessions). onDeviceLost is invoked synchronously if the present result
// is host.PresentDeviceLost; callers wire it to RecoverOnDeviceLost with the
// appropriate BackendRecreator.
func (l *Lifecycle) PresentFrame(allowSkip bool, presentTime uint64, backend host.Backend, onDeviceLost func()) {
	if backend != nil {
		backend.FlushRender()
	}

	l.Perf.PresentsSinceUpdate++
	if !l.Perf.testAndMarkUpdated() {
		l.updatePerformanceCounters()
	}

	skip := allowSkip && l.Device.ShouldSkipPresentingFrame()
	explicitPresent := presentTime != 0 && l.Device.GetFeatures().ExplicitPresent

	if !skip {
		l.Overlay.RenderTextOverlays()
		l.Overlay.RenderOSDMessages()
		if l.System.GetState() == host.SystemStateRunning {
			l.Overlay.RenderSoftwareCursors()
		}
	}

	// Debug/overlay windows are always rendered so mouse input stays live
	// even when the frame itself is skipped.
	l.Overlay.RenderOverlayWindows()
	l.Overlay.RenderDebugWindows()

	var result host.PresentResult
	switch {
	case skip:
		result = host.PresentSkipPresent
	case backend != nil:
		result = backend.PresentDisplay()
	default:
		result = l.Device.BeginPresent()
	}

	if result == host.PresentOK {
		l.Device.RenderImGui()
		l.Device.EndPresent(explicitPresent, presentTimeIf(explicitPresent, presentTime))

		if l.Device.IsGPUTimingEnabled() {
			l.Perf.AccumulatedGPUTime += l.Device.GetAndResetAccumulatedGPUTime()
		}

		if explicitPresent {
			sleepUntilPresentTime(presentTime)
			l.Device.SubmitPresent()
		}
	} else {
		if result == host.PresentDeviceLost && onDeviceLost != nil {
			onDeviceLost()
		}

		// RenderImGui/EndPresent were skipped above, but the overlay still
		// needs its frame closed out or it gets cranky on the next NewFrame.
		l.Overlay.EndFrame()
	}

	l.Overlay.NewFrame()

	if backend != nil {
		backend.RestoreDeviceContext()
	}
}

func presentTimeIf(explicit bool, t uint64) uint64 {
	if explicit {
		return t
	}
	return 0
}

// sleepUntilPresentTime blocks the consumer goroutine until the wall-clock
// instant presentTime (nanoseconds since the Unix epoch, as
// time.Now().UnixNano() reports). A zero presentTime is a no-op.
var sleepUntilPresentTime = func(presentTime uint64) {
	if presentTime == 0 {
		return
	}
	now := uint64(time.Now().UnixNano())
	if presentTime <= now {
		return
	}
	time.Sleep(time.Duration(presentTime - now))
}

func (l *Lifecycle) updatePerformanceCounters() {
	now := time.Now()
	frames := l.Perf.PresentsSinceUpdate
	l.Perf.PresentsSinceUpdate = 0
	elapsed := now.Sub(l.Perf.LastUpdateTime)
	l.Perf.LastUpdateTime = now

	if l.Device.IsGPUTimingEnabled() {
		divisor := frames
		if divisor == 0 {
			divisor = 1
		}
		l.Perf.AverageGPUTime = l.Perf.AccumulatedGPUTime / time.Duration(divisor)
		if elapsed > 0 {
			l.Perf.GPUUsage = l.Perf.AccumulatedGPUTime.Seconds() / (elapsed.Seconds() * 10)
		}
		l.Perf.AccumulatedGPUTime = 0
	}
}
