// Package host defines the narrow contracts the GPU coordination engine
// consumes from its embedding application: a graphics device, a render
// backend, a UI overlay, host notification callbacks, emulated-system
// queries, and a layered settings store. The engine never depends on a
// concrete graphics API, windowing toolkit, or settings format — only on
// these interfaces — so it can be driven end to end in tests with the
// reference implementations this package also provides.
package host

import "time"

// GraphicsDevice owns the swapchain, command submission, and presentation
// for one graphics API. It is created and destroyed exclusively by the
// consumer side of the engine (see the device package).
type GraphicsDevice interface {
	// Create initializes the device for adapter, with shaderCacheDir (empty
	// to disable the on-disk shader cache), shaderCacheVersion used to
	// invalidate stale caches, debug enabling API validation layers, the
	// requested vsync mode and present-throttle flag, an optional exclusive
	// fullscreen override (nil means "let the platform decide"), and the
	// given disabled-feature mask.
	Create(adapter string, shaderCacheDir string, shaderCacheVersion uint32, debug bool, vsync VSyncMode, allowPresentThrottle bool, exclusiveFullscreen *bool, disabledFeatures FeatureMask) error
	Destroy()

	BeginPresent() PresentResult
	EndPresent(explicitPresent bool, presentTime uint64)
	SubmitPresent()
	RenderImGui()

	ResizeWindow(width, height int, scale float64)
	UpdateWindow() bool

	GetRenderAPI() RenderAPI
	IsVSyncBlocking() bool
	ShouldSkipPresentingFrame() bool
	ThrottlePresentation()
	SetVSyncMode(mode VSyncMode, allowPresentThrottle bool)

	SetGPUTimingEnabled(enabled bool)
	IsGPUTimingEnabled() bool
	GetAndResetAccumulatedGPUTime() time.Duration

	GetFeatures() Features

	WindowSize() (width, height int)
}

// Backend interprets the opaque, backend-specific command payloads the
// ring carries once they have been stripped of their header, and owns VRAM
// for its renderer (software rasterizer or hardware-accelerated).
type Backend interface {
	// Initialize prepares the backend. clearVRAM is false when recovering
	// from a backend swap that intentionally preserved pixel state.
	Initialize(clearVRAM bool) error
	HandleCommand(payload []byte)
	FlushRender()
	PresentDisplay() PresentResult
	ReadVRAM(x, y, width, height int) []byte
	// WriteVRAM seeds the backend's framebuffer with pixels previously
	// captured by ReadVRAM, so a freshly constructed backend can pick up
	// where the outgoing one left off across a swap. pixels must be
	// width*height*4 tightly packed RGBA bytes, in the same layout ReadVRAM
	// returns.
	WriteVRAM(x, y, width, height int, pixels []byte)
	UpdateSettings(old SettingsSnapshot)
	UpdateResolutionScale()
	RestoreDeviceContext()
}

// Overlay renders on-screen diagnostics (OSD messages, debug windows,
// software cursors) on top of whatever the active Backend produced.
type Overlay interface {
	Initialize(scale float64) error
	Shutdown()
	NewFrame()
	RenderTextOverlays()
	RenderOSDMessages()
	RenderSoftwareCursors()
	RenderOverlayWindows()
	RenderDebugWindows()
	DestroyOverlayTextures()
	WindowResized(width, height int)
	EndFrame()
}

// Callbacks notifies the embedding host application of events originating
// on the consumer thread that a user or operator should see.
type Callbacks interface {
	ReleaseRenderWindow()
	AddIconOSDWarning(id, icon, text string, duration time.Duration)
	AddIconOSDMessage(id, icon, text string, duration time.Duration)
	ReportErrorAsync(title, text string)
}

// System answers questions about the emulated machine the GPU thread is
// rendering on behalf of; it never mutates emulation state itself.
type System interface {
	IsValid() bool
	IsPaused() bool
	GetState() SystemState
	UpdateSpeedLimiterState()
	HostDisplayResized()
}

// SettingsTier identifies one layer of a [SettingsStore].
type SettingsTier int

const (
	TierBase SettingsTier = iota
	TierGame
	TierInput
)

// String returns a human-readable tier name.
func (t SettingsTier) String() string {
	switch t {
	case TierBase:
		return "base"
	case TierGame:
		return "game"
	case TierInput:
		return "input"
	default:
		return "unknown"
	}
}

// SettingsStore is a layered, mutex-protected key/value store. Reads
// resolve the value from the highest-priority layer that has it (Input >
// Game > Base); writes always target the layer the caller names.
type SettingsStore interface {
	GetString(section, key string, def string) string
	GetBool(section, key string, def bool) bool
	GetInt(section, key string, def int64) int64
	GetUint(section, key string, def uint64) uint64
	GetFloat(section, key string, def float32) float32
	GetDouble(section, key string, def float64) float64
	GetStringList(section, key string) []string

	SetString(tier SettingsTier, section, key, value string)
	SetBool(tier SettingsTier, section, key string, value bool)
	SetInt(tier SettingsTier, section, key string, value int64)
	SetUint(tier SettingsTier, section, key string, value uint64)
	SetFloat(tier SettingsTier, section, key string, value float32)
	SetDouble(tier SettingsTier, section, key string, value float64)
	SetStringList(tier SettingsTier, section, key string, values []string)

	// Snapshot returns an immutable copy of the GPU-relevant fields a
	// producer wants to hand to the consumer via an async thunk, rather
	// than sharing a reference across threads.
	Snapshot() SettingsSnapshot
}

// SettingsSnapshot is the subset of settings the device/backend lifecycle
// cares about, copied by value so it can cross goroutines without a lock.
type SettingsSnapshot struct {
	Adapter                 string
	DisableShaderCache      bool
	ShaderCacheDir          string
	UseDebugDevice          bool
	DisplayOSDScale         float32
	ShowGPUUsage            bool
	ShowGPUStatistics       bool
	ResolutionScale         int
	DisableDualSourceBlend  bool
	DisableFramebufferFetch bool
	DisableTextureBuffers   bool
	DisableMemoryImport     bool
	DisableRasterOrderViews bool
}

// DisabledFeatureMask derives the [FeatureMask] the device lifecycle passes
// to GraphicsDevice.Create from the individual disable flags in a snapshot.
func (s SettingsSnapshot) DisabledFeatureMask() FeatureMask {
	var mask FeatureMask
	if s.DisableDualSourceBlend {
		mask |= FeatureMaskDualSourceBlend
	}
	if s.DisableFramebufferFetch {
		mask |= FeatureMaskFramebufferFetch
	}
	if s.DisableTextureBuffers {
		mask |= FeatureMaskTextureBuffers
	}
	if s.DisableMemoryImport {
		mask |= FeatureMaskMemoryImport
	}
	if s.DisableRasterOrderViews {
		mask |= FeatureMaskRasterOrderViews
	}
	return mask
}
