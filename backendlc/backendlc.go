// Package backendlc implements the consumer-side backend lifecycle: backend
// creation (hardware with a one-shot software fallback), live swapping in
// response to a requested renderer change, and teardown. It coordinates
// with package device for the cases where swapping backends also requires
// swapping the underlying graphics device (a change of render API).
package backendlc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gputhread/device"
	"github.com/gogpu/gputhread/host"
)

// VRAMWidth and VRAMHeight bound the region read back from the outgoing
// backend when swapping, so pixel state survives the swap.
const (
	VRAMWidth  = 1024
	VRAMHeight = 512
)

// ErrSoftwareFallbackFailed is passed to Fatal when the one-shot
// hardware→software fallback itself fails to initialize.
var ErrSoftwareFallbackFailed = errors.New("backendlc: software fallback backend failed to initialize")

// ErrRevertAfterAPISwitchFailed is passed to Fatal when reverting to the
// previous render API, after a requested API switch failed, also fails.
var ErrRevertAfterAPISwitchFailed = errors.New("backendlc: failed to revert to previous render API after switch failure")

// Lifecycle owns the active [host.Backend] for the lifetime of the consumer
// goroutine. All methods must only ever be called from that goroutine.
type Lifecycle struct {
	// NewHardware and NewSoftware construct a not-yet-initialized backend
	// of each kind. Initialize is called on the result immediately.
	NewHardware func() host.Backend
	NewSoftware func() host.Backend

	Callbacks host.Callbacks

	// Device is consulted for the currently requested renderer and is
	// itself destroyed/recreated here when a requested renderer implies a
	// different render API than the one currently active.
	Device *device.Lifecycle

	// Fatal is invoked for the two documented abort conditions: a second
	// backend-init failure after the hardware→software fallback, and a
	// failed revert after an API-switch failure. Defaults to panic.
	Fatal func(error)

	// Logger returns the logger lifecycle transitions are recorded to, the
	// same way device.Lifecycle.Logger is wired. Nil means silent.
	Logger func() *slog.Logger

	// Active is the currently live backend, or nil if none is active.
	Active host.Backend
	// ActiveRenderer names the renderer Active was created for, or nil if
	// Active is nil. Kept alongside Active so ChangeBackend can compare
	// "requested vs current" without re-deriving it from the device.
	ActiveRenderer *host.RendererKind

	// pendingSeed holds VRAM bytes read back from the outgoing backend by
	// ChangeBackend, consumed by the next CreateBackend call to seed the
	// freshly constructed backend so pixel state survives the swap.
	pendingSeed []byte
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

// CreateBackend instantiates the backend for the device's currently
// requested renderer. If the requested renderer is none, it is a no-op. If
// a hardware backend fails to initialize, it falls back once to software
// and posts a user-visible OSD message; a second failure is fatal.
func (l *Lifecycle) CreateBackend(clearVRAM bool) {
	requested := l.Device.RequestedRenderer()
	if requested == nil {
		return
	}

	seed := l.pendingSeed
	l.pendingSeed = nil
	if clearVRAM {
		seed = nil
	}

	isHardware := !requested.IsSoftware()
	backend := l.newBackendFor(isHardware)

	if err := backend.Initialize(clearVRAM); err != nil {
		if !isHardware {
			l.logger().Warn("backendlc: software backend init failed", "err", err)
			l.fatal(fmt.Errorf("%w: %w", ErrSoftwareFallbackFailed, err))
			return
		}

		l.logger().Warn("backendlc: hardware backend init failed, falling back to software", "requested", requested, "err", err)
		l.Callbacks.AddIconOSDMessage("GPUBackendCreationFailed", "paint-roller",
			fmt.Sprintf("Failed to initialize %s renderer, falling back to software renderer.", requested),
			host.OSDDuration)

		software := host.RendererSoftware
		l.Device.SetRequestedRenderer(&software)
		backend = l.NewSoftware()
		if err := backend.Initialize(false); err != nil {
			l.logger().Warn("backendlc: software fallback init failed", "err", err)
			l.fatal(fmt.Errorf("%w: %w", ErrSoftwareFallbackFailed, err))
			return
		}
		requested = &software
	}

	if seed != nil {
		backend.WriteVRAM(0, 0, VRAMWidth, VRAMHeight, seed)
	}

	l.Active = backend
	l.ActiveRenderer = requested
	l.logger().Info("backendlc: backend created", "renderer", requested)
}

func (l *Lifecycle) newBackendFor(hardware bool) host.Backend {
	if hardware {
		return l.NewHardware()
	}
	return l.NewSoftware()
}

// DestroyBackend tears down the active backend. Idempotent.
func (l *Lifecycle) DestroyBackend() {
	if l.Active == nil {
		return
	}
	l.Active = nil
	l.ActiveRenderer = nil
}

// ChangeBackend implements the ChangeBackend command handler: it reads the
// requested renderer, reads back VRAM from the outgoing backend to preserve
// pixel state, and then either recreates the backend in place (software, or
// same render API) or swaps the underlying device first (different render
// API).
func (l *Lifecycle) ChangeBackend() {
	requested := l.Device.RequestedRenderer()
	if requested == nil {
		l.logger().Info("backendlc: no renderer requested, destroying active backend")
		l.DestroyBackend()
		return
	}
	l.logger().Info("backendlc: swapping backend", "from", l.ActiveRenderer, "to", requested)

	if l.Active != nil {
		l.pendingSeed = l.Active.ReadVRAM(0, 0, VRAMWidth, VRAMHeight)
	}

	if requested.IsSoftware() {
		// Software works atop any device; just recreate the backend.
		l.DestroyBackend()
		l.CreateBackend(false)
		return
	}

	l.DestroyBackend()

	currentAPI := l.Device.RenderAPI
	expectedAPI := requested.RenderAPI()
	if currentAPI != expectedAPI {
		l.logger().Info("backendlc: render API changed, recreating device", "from", currentAPI, "to", expectedAPI)
		l.Device.Destroy()
		l.Callbacks.ReleaseRenderWindow()

		if err := l.Device.Create(expectedAPI); err != nil {
			l.logger().Warn("backendlc: device switch failed, reverting", "to", expectedAPI, "revertTo", currentAPI, "err", err)
			l.Callbacks.AddIconOSDMessage("DeviceSwitchFailed", "paint-roller",
				fmt.Sprintf("Failed to create %s GPU device, reverting to %s.\n%v", expectedAPI, currentAPI, err),
				host.OSDDuration)

			l.Callbacks.ReleaseRenderWindow()
			if err := l.Device.Create(currentAPI); err != nil {
				l.logger().Warn("backendlc: revert after API switch failure also failed", "api", currentAPI, "err", err)
				l.fatal(fmt.Errorf("%w: %w", ErrRevertAfterAPISwitchFailed, err))
				return
			}
		}
	}

	l.CreateBackend(false)
}

var _ device.BackendRecreator = (*Lifecycle)(nil)
