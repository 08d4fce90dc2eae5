// Package hosttest provides fake [host] interface implementations shared by
// this module's own test suites (device, backendlc, and the root gputhread
// package). It has no production use and is never imported
// outside _test.go files.
package hosttest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/gputhread/host"
)

// Device is a fake [host.GraphicsDevice]. CreateErr, when non-nil, makes
// every Create call fail with it.
type Device struct {
	mu sync.Mutex

	CreateErr error
	api       host.RenderAPI

	Created   int
	Destroyed int

	VSyncMode     host.VSyncMode
	Throttle      bool
	GPUTiming     bool
	SkipNextFrame bool
	Features      host.Features

	AccumulatedGPUTime time.Duration

	Width, Height int

	PresentResult host.PresentResult
}

// NewDevice creates a fake device that reports api from GetRenderAPI,
// whatever API it is later created for.
func NewDevice(api host.RenderAPI) *Device {
	return &Device{api: api, PresentResult: host.PresentOK}
}

func (d *Device) Create(adapter, shaderCacheDir string, shaderCacheVersion uint32, debug bool, vsync host.VSyncMode, throttle bool, exclusiveFullscreen *bool, disabledFeatures host.FeatureMask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateErr != nil {
		err := d.CreateErr
		return err
	}
	d.Created++
	d.VSyncMode = vsync
	d.Throttle = throttle
	return nil
}

func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Destroyed++
}

func (d *Device) BeginPresent() host.PresentResult                    { return d.PresentResult }
func (d *Device) EndPresent(explicitPresent bool, presentTime uint64) {}
func (d *Device) SubmitPresent()                                      {}
func (d *Device) RenderImGui()                                        {}

func (d *Device) ResizeWindow(width, height int, scale float64) {
	d.Width, d.Height = width, height
}
func (d *Device) UpdateWindow() bool { return true }

func (d *Device) GetRenderAPI() host.RenderAPI    { return d.api }
func (d *Device) IsVSyncBlocking() bool           { return d.VSyncMode == host.VSyncEnabled }
func (d *Device) ShouldSkipPresentingFrame() bool { return d.SkipNextFrame }
func (d *Device) ThrottlePresentation()           {}

func (d *Device) SetVSyncMode(mode host.VSyncMode, throttle bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.VSyncMode = mode
	d.Throttle = throttle
}

func (d *Device) SetGPUTimingEnabled(enabled bool) { d.GPUTiming = enabled }
func (d *Device) IsGPUTimingEnabled() bool         { return d.GPUTiming }

func (d *Device) GetAndResetAccumulatedGPUTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.AccumulatedGPUTime
	d.AccumulatedGPUTime = 0
	return t
}

func (d *Device) GetFeatures() host.Features { return d.Features }

func (d *Device) WindowSize() (int, int) { return d.Width, d.Height }

var _ host.GraphicsDevice = (*Device)(nil)

// Backend is a fake [host.Backend] that records its own identity so tests
// can assert which concrete backend ended up handling a command.
type Backend struct {
	mu sync.Mutex

	Identity string
	InitErr  error

	Initialized      int
	Flushed          int
	PresentResult    host.PresentResult
	HandledPayloads  [][]byte
	VRAMReads        int
	VRAMFill         byte
	VRAMWrites       int
	LastVRAMWrite    []byte
	RestoredContexts int
}

// NewBackend creates a fake backend identified by name, for assertions like
// "which backend handled this command."
func NewBackend(identity string) *Backend {
	return &Backend{Identity: identity, PresentResult: host.PresentOK}
}

func (b *Backend) Initialize(clearVRAM bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.InitErr != nil {
		return b.InitErr
	}
	b.Initialized++
	return nil
}

func (b *Backend) HandleCommand(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.HandledPayloads = append(b.HandledPayloads, append([]byte(nil), payload...))
}

func (b *Backend) FlushRender() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Flushed++
}

func (b *Backend) PresentDisplay() host.PresentResult { return b.PresentResult }

func (b *Backend) ReadVRAM(x, y, width, height int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.VRAMReads++
	out := make([]byte, width*height*4)
	if b.VRAMFill != 0 {
		for i := range out {
			out[i] = b.VRAMFill
		}
	}
	return out
}

func (b *Backend) WriteVRAM(x, y, width, height int, pixels []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.VRAMWrites++
	b.LastVRAMWrite = append([]byte(nil), pixels...)
}

func (b *Backend) UpdateSettings(old host.SettingsSnapshot) {}
func (b *Backend) UpdateResolutionScale()                   {}

func (b *Backend) RestoreDeviceContext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RestoredContexts++
}

// CommandCount reports how many payloads this backend has handled.
func (b *Backend) CommandCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.HandledPayloads)
}

var _ host.Backend = (*Backend)(nil)

// Overlay is a fake [host.Overlay] that just counts calls.
type Overlay struct {
	mu sync.Mutex

	InitErr error

	Initialized  int
	ShutdownN    int
	NewFrames    int
	EndFrames    int
	TextOverlays int
	OSDMessages  int
	Cursors      int
	OverlayWins  int
	DebugWins    int
	Destroyed    int
	Resized      []struct{ W, H int }
}

func NewOverlay() *Overlay { return &Overlay{} }

func (o *Overlay) Initialize(scale float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.InitErr != nil {
		return o.InitErr
	}
	o.Initialized++
	return nil
}

func (o *Overlay) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ShutdownN++
}
func (o *Overlay) NewFrame() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.NewFrames++
}
func (o *Overlay) RenderTextOverlays() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.TextOverlays++
}
func (o *Overlay) RenderOSDMessages() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OSDMessages++
}
func (o *Overlay) RenderSoftwareCursors() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Cursors++
}
func (o *Overlay) RenderOverlayWindows() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OverlayWins++
}
func (o *Overlay) RenderDebugWindows() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.DebugWins++
}
func (o *Overlay) DestroyOverlayTextures() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Destroyed++
}
func (o *Overlay) WindowResized(w, h int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Resized = append(o.Resized, struct{ W, H int }{w, h})
}
func (o *Overlay) EndFrame() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.EndFrames++
}

var _ host.Overlay = (*Overlay)(nil)

// Settings is a fake [host.SettingsStore] backed by a fixed snapshot, for
// tests that don't need the full layered-tier behavior (see
// host.LayeredSettings for that).
type Settings struct {
	Snap host.SettingsSnapshot
}

func (s *Settings) GetString(section, key, def string) string   { return def }
func (s *Settings) GetBool(section, key string, def bool) bool  { return def }
func (s *Settings) GetInt(section, key string, def int64) int64 { return def }
func (s *Settings) GetUint(section, key string, def uint64) uint64 {
	return def
}
func (s *Settings) GetFloat(section, key string, def float32) float32 { return def }
func (s *Settings) GetDouble(section, key string, def float64) float64 {
	return def
}
func (s *Settings) GetStringList(section, key string) []string { return nil }

func (s *Settings) SetString(tier host.SettingsTier, section, key, value string)      {}
func (s *Settings) SetBool(tier host.SettingsTier, section, key string, value bool)   {}
func (s *Settings) SetInt(tier host.SettingsTier, section, key string, value int64)   {}
func (s *Settings) SetUint(tier host.SettingsTier, section, key string, value uint64) {}
func (s *Settings) SetFloat(tier host.SettingsTier, section, key string, value float32) {
}
func (s *Settings) SetDouble(tier host.SettingsTier, section, key string, value float64) {
}
func (s *Settings) SetStringList(tier host.SettingsTier, section, key string, values []string) {
}

func (s *Settings) Snapshot() host.SettingsSnapshot { return s.Snap }

var _ host.SettingsStore = (*Settings)(nil)

// System is a fake [host.System].
type System struct {
	mu     sync.Mutex
	Valid  bool
	Paused bool
	State  host.SystemState
}

func (s *System) IsValid() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.Valid }
func (s *System) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Paused
}
func (s *System) GetState() host.SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}
func (s *System) UpdateSpeedLimiterState() {}
func (s *System) HostDisplayResized()      {}

var _ host.System = (*System)(nil)

// IdentityError is a trivial error type tests can compare against with
// errors.Is without depending on a specific package's sentinel.
type IdentityError string

func (e IdentityError) Error() string { return string(e) }

// Errorf is a tiny fmt.Errorf alias to avoid importing fmt in every test
// file that wants a throwaway error value.
func Errorf(format string, args ...any) error { return fmt.Errorf(format, args...) }

// RecordingHandler is a [slog.Handler] that appends every record it
// receives to Records, letting tests assert that a specific lifecycle
// transition actually logged something instead of only checking side
// effects on a fake.
type RecordingHandler struct {
	mu      sync.Mutex
	Records []slog.Record
}

func NewRecordingHandler() *RecordingHandler { return &RecordingHandler{} }

func (h *RecordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *RecordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Records = append(h.Records, r)
	return nil
}

func (h *RecordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *RecordingHandler) WithGroup(string) slog.Handler      { return h }

// HasMessage reports whether any recorded message contains substr.
func (h *RecordingHandler) HasMessage(substr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.Records {
		if strings.Contains(r.Message, substr) {
			return true
		}
	}
	return false
}
