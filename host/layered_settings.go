package host

import "sync"

// settingsKey addresses one value within a tier.
type settingsKey struct {
	section, key string
}

// layer is one tier's worth of values, keyed by (section, key). Values are
// stored as the concrete Go type they were set with; Get* methods type-
// assert and fall back to the caller's default on mismatch or absence,
// matching the original implementation's string-backed "value not found or
// wrong type → default" behavior.
type layer map[settingsKey]any

// LayeredSettings is the reference [SettingsStore] implementation: three
// named tiers (base, game, input), a mutex guarding all of them, and
// snapshot-on-read semantics so a reader never observes a torn write.
//
// Reads resolve from the highest-priority tier that has the key (input,
// then game, then base); writes always target the tier the caller names.
// This mirrors the three-tier LayeredSettingsInterface the engine's original
// implementation used for base/game/input-binding settings.
type LayeredSettings struct {
	mu     sync.Mutex
	layers [3]layer
}

// NewLayeredSettings creates an empty three-tier settings store.
func NewLayeredSettings() *LayeredSettings {
	return &LayeredSettings{
		layers: [3]layer{make(layer), make(layer), make(layer)},
	}
}

func (s *LayeredSettings) resolve(section, key string) (any, bool) {
	// Highest-priority tier first: input overrides game overrides base.
	for tier := TierInput; tier >= TierBase; tier-- {
		if v, ok := s.layers[tier][settingsKey{section, key}]; ok {
			return v, true
		}
	}
	return nil, false
}

func getTyped[T any](s *LayeredSettings, section, key string, def T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resolve(section, key)
	if !ok {
		return def
	}
	typed, ok := v.(T)
	if !ok {
		return def
	}
	return typed
}

func (s *LayeredSettings) GetString(section, key, def string) string { return getTyped(s, section, key, def) }
func (s *LayeredSettings) GetBool(section, key string, def bool) bool { return getTyped(s, section, key, def) }
func (s *LayeredSettings) GetInt(section, key string, def int64) int64 {
	return getTyped(s, section, key, def)
}
func (s *LayeredSettings) GetUint(section, key string, def uint64) uint64 {
	return getTyped(s, section, key, def)
}
func (s *LayeredSettings) GetFloat(section, key string, def float32) float32 {
	return getTyped(s, section, key, def)
}
func (s *LayeredSettings) GetDouble(section, key string, def float64) float64 {
	return getTyped(s, section, key, def)
}

func (s *LayeredSettings) GetStringList(section, key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resolve(section, key)
	if !ok {
		return nil
	}
	list, ok := v.([]string)
	if !ok {
		return nil
	}
	// Defensive copy: the caller must not be able to mutate our storage.
	out := make([]string, len(list))
	copy(out, list)
	return out
}

func (s *LayeredSettings) set(tier SettingsTier, section, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[tier][settingsKey{section, key}] = value
}

func (s *LayeredSettings) SetString(tier SettingsTier, section, key, value string) {
	s.set(tier, section, key, value)
}
func (s *LayeredSettings) SetBool(tier SettingsTier, section, key string, value bool) {
	s.set(tier, section, key, value)
}
func (s *LayeredSettings) SetInt(tier SettingsTier, section, key string, value int64) {
	s.set(tier, section, key, value)
}
func (s *LayeredSettings) SetUint(tier SettingsTier, section, key string, value uint64) {
	s.set(tier, section, key, value)
}
func (s *LayeredSettings) SetFloat(tier SettingsTier, section, key string, value float32) {
	s.set(tier, section, key, value)
}
func (s *LayeredSettings) SetDouble(tier SettingsTier, section, key string, value float64) {
	s.set(tier, section, key, value)
}
func (s *LayeredSettings) SetStringList(tier SettingsTier, section, key string, values []string) {
	cp := make([]string, len(values))
	copy(cp, values)
	s.set(tier, section, key, cp)
}

// Snapshot copies the GPU-relevant fields, each resolved in the normal order
// (input, then game, then base), into a plain struct a producer can hand to
// the consumer without sharing a reference.
func (s *LayeredSettings) Snapshot() SettingsSnapshot {
	return SettingsSnapshot{
		Adapter:                 s.GetString("GPU", "Adapter", ""),
		DisableShaderCache:      s.GetBool("GPU", "DisableShaderCache", false),
		ShaderCacheDir:          s.GetString("GPU", "ShaderCacheDir", ""),
		UseDebugDevice:          s.GetBool("GPU", "UseDebugDevice", false),
		DisplayOSDScale:         float32(s.GetFloat("Display", "OSDScale", 100)),
		ShowGPUUsage:            s.GetBool("Display", "ShowGPUUsage", false),
		ShowGPUStatistics:       s.GetBool("Display", "ShowGPUStatistics", false),
		ResolutionScale:         int(s.GetInt("GPU", "ResolutionScale", 1)),
		DisableDualSourceBlend:  s.GetBool("GPU", "DisableDualSourceBlend", false),
		DisableFramebufferFetch: s.GetBool("GPU", "DisableFramebufferFetch", false),
		DisableTextureBuffers:   s.GetBool("GPU", "DisableTextureBuffers", false),
		DisableMemoryImport:     s.GetBool("GPU", "DisableMemoryImport", false),
		DisableRasterOrderViews: s.GetBool("GPU", "DisableRasterOrderViews", false),
	}
}

var _ SettingsStore = (*LayeredSettings)(nil)
