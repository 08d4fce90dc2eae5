package host

import "testing"

func TestLayeredSettingsDefaults(t *testing.T) {
	s := NewLayeredSettings()
	if got := s.GetString("GPU", "Adapter", "default"); got != "default" {
		t.Errorf("GetString on empty store = %q, want %q", got, "default")
	}
	if got := s.GetBool("GPU", "UseDebugDevice", true); got != true {
		t.Errorf("GetBool on empty store = %v, want true", got)
	}
	if got := s.GetInt("GPU", "ResolutionScale", 2); got != 2 {
		t.Errorf("GetInt on empty store = %d, want 2", got)
	}
}

func TestLayeredSettingsSetGet(t *testing.T) {
	s := NewLayeredSettings()
	s.SetString(TierBase, "GPU", "Adapter", "NVIDIA")
	if got := s.GetString("GPU", "Adapter", ""); got != "NVIDIA" {
		t.Errorf("GetString = %q, want NVIDIA", got)
	}
}

func TestLayeredSettingsPriorityOrder(t *testing.T) {
	s := NewLayeredSettings()
	s.SetBool(TierBase, "GPU", "UseDebugDevice", false)
	s.SetBool(TierGame, "GPU", "UseDebugDevice", true)

	if got := s.GetBool("GPU", "UseDebugDevice", false); got != true {
		t.Error("game tier should override base tier")
	}

	s.SetBool(TierInput, "GPU", "UseDebugDevice", false)
	if got := s.GetBool("GPU", "UseDebugDevice", true); got != false {
		t.Error("input tier should override game tier")
	}
}

func TestLayeredSettingsStringListIsCopied(t *testing.T) {
	s := NewLayeredSettings()
	original := []string{"a", "b", "c"}
	s.SetStringList(TierBase, "Input", "Bindings", original)

	got := s.GetStringList("Input", "Bindings")
	got[0] = "mutated"

	again := s.GetStringList("Input", "Bindings")
	if again[0] != "a" {
		t.Error("mutating the returned slice should not affect stored state")
	}

	original[1] = "also mutated"
	if again[1] != "b" {
		t.Error("mutating the caller's original slice after Set should not affect stored state")
	}
}

func TestLayeredSettingsTypeMismatchFallsBackToDefault(t *testing.T) {
	s := NewLayeredSettings()
	s.SetString(TierBase, "GPU", "ResolutionScale", "not an int")
	if got := s.GetInt("GPU", "ResolutionScale", 4); got != 4 {
		t.Errorf("GetInt on a string value = %d, want default 4", got)
	}
}

func TestLayeredSettingsSnapshot(t *testing.T) {
	s := NewLayeredSettings()
	s.SetString(TierBase, "GPU", "Adapter", "Intel")
	s.SetBool(TierBase, "GPU", "DisableMemoryImport", true)

	snap := s.Snapshot()
	if snap.Adapter != "Intel" {
		t.Errorf("Snapshot.Adapter = %q, want Intel", snap.Adapter)
	}
	if !snap.DisableMemoryImport {
		t.Error("Snapshot.DisableMemoryImport = false, want true")
	}

	if mask := snap.DisabledFeatureMask(); mask&FeatureMaskMemoryImport == 0 {
		t.Error("DisabledFeatureMask() should include FeatureMaskMemoryImport")
	}
}

func TestDisabledFeatureMaskAllBits(t *testing.T) {
	snap := SettingsSnapshot{
		DisableDualSourceBlend:  true,
		DisableFramebufferFetch: true,
		DisableTextureBuffers:   true,
		DisableMemoryImport:     true,
		DisableRasterOrderViews: true,
	}
	want := FeatureMaskDualSourceBlend | FeatureMaskFramebufferFetch | FeatureMaskTextureBuffers |
		FeatureMaskMemoryImport | FeatureMaskRasterOrderViews
	if got := snap.DisabledFeatureMask(); got != want {
		t.Errorf("DisabledFeatureMask() = %b, want %b", got, want)
	}
}

func TestDisabledFeatureMaskNoneSet(t *testing.T) {
	var snap SettingsSnapshot
	if got := snap.DisabledFeatureMask(); got != 0 {
		t.Errorf("DisabledFeatureMask() = %b, want 0", got)
	}
}
