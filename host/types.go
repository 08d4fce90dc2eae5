package host

import "time"

// RenderAPI identifies the concrete graphics API a [GraphicsDevice] was
// created for.
type RenderAPI int

const (
	RenderAPINone RenderAPI = iota
	RenderAPIVulkan
	RenderAPID3D11
	RenderAPID3D12
	RenderAPIMetal
	RenderAPIOpenGL
)

// String returns a human-readable API name, used in logs.
func (a RenderAPI) String() string {
	switch a {
	case RenderAPINone:
		return "None"
	case RenderAPIVulkan:
		return "Vulkan"
	case RenderAPID3D11:
		return "D3D11"
	case RenderAPID3D12:
		return "D3D12"
	case RenderAPIMetal:
		return "Metal"
	case RenderAPIOpenGL:
		return "OpenGL"
	default:
		return "Unknown"
	}
}

// RendererKind names a renderer a caller can request, distinct from
// RenderAPI: several hardware renderers can map to the same underlying API,
// and Software maps to no API at all.
type RendererKind int

const (
	RendererSoftware RendererKind = iota
	RendererHardwareVulkan
	RendererHardwareD3D11
	RendererHardwareD3D12
	RendererHardwareMetal
	RendererHardwareOpenGL
)

// String returns a human-readable renderer name, used in logs and OSD text.
func (r RendererKind) String() string {
	switch r {
	case RendererSoftware:
		return "Software"
	case RendererHardwareVulkan:
		return "Vulkan"
	case RendererHardwareD3D11:
		return "D3D11"
	case RendererHardwareD3D12:
		return "D3D12"
	case RendererHardwareMetal:
		return "Metal"
	case RendererHardwareOpenGL:
		return "OpenGL"
	default:
		return "Unknown"
	}
}

// IsSoftware reports whether the renderer is the CPU software rasterizer.
func (r RendererKind) IsSoftware() bool { return r == RendererSoftware }

// RenderAPI maps a requested renderer to the underlying graphics API a
// device must be created for.
func (r RendererKind) RenderAPI() RenderAPI {
	switch r {
	case RendererHardwareVulkan:
		return RenderAPIVulkan
	case RendererHardwareD3D11:
		return RenderAPID3D11
	case RendererHardwareD3D12:
		return RenderAPID3D12
	case RendererHardwareMetal:
		return RenderAPIMetal
	case RendererHardwareOpenGL:
		return RenderAPIOpenGL
	default:
		return RenderAPINone
	}
}

// VSyncMode selects how a GraphicsDevice paces presentation.
type VSyncMode int

const (
	VSyncDisabled VSyncMode = iota
	VSyncEnabled
	VSyncAdaptive
)

// PresentResult is the outcome of a present attempt.
type PresentResult int

const (
	// PresentOK means the frame was submitted normally.
	PresentOK PresentResult = iota
	// PresentSkipPresent means the frame was deliberately not presented
	// (the device decided presenting would be wasted work).
	PresentSkipPresent
	// PresentDeviceLost means the backing device needs to be recreated
	// before presentation can continue.
	PresentDeviceLost
)

// String returns a human-readable present result name.
func (p PresentResult) String() string {
	switch p {
	case PresentOK:
		return "OK"
	case PresentSkipPresent:
		return "SkipPresent"
	case PresentDeviceLost:
		return "DeviceLost"
	default:
		return "Unknown"
	}
}

// SystemState reflects whether the emulated system is currently advancing.
type SystemState int

const (
	SystemStateShutdown SystemState = iota
	SystemStatePaused
	SystemStateRunning
)

// FeatureMask is a bitmask of optional GPU features a caller has chosen to
// disable, typically to work around a buggy driver.
type FeatureMask uint32

const (
	FeatureMaskDualSourceBlend FeatureMask = 1 << iota
	FeatureMaskFramebufferFetch
	FeatureMaskTextureBuffers
	FeatureMaskMemoryImport
	FeatureMaskRasterOrderViews
)

// Features describes capabilities the created device actually ended up
// with, which may differ from what was requested.
type Features struct {
	// ExplicitPresent is true when the device supports decoupling "frame
	// complete" from "frame shown," enabling precise present timing.
	ExplicitPresent bool
}

// OSDDuration is the default lifetime of a critical OSD warning/message
// posted by the device/backend lifecycle.
const OSDDuration = 5 * time.Second
