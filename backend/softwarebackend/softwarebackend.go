// Package softwarebackend implements a concrete [host.Backend] that
// rasterizes backend-specific commands onto a CPU-owned pixel buffer,
// giving the abstract software renderer path in the core engine a real
// implementation to swap to and from.
//
// Command payloads are opaque to the core coordination engine by design
// (spec §1's external-collaborator boundary); this package defines its own
// tiny fixed-layout opcode encoding for the handful of draw operations it
// supports, grounded on the pixel-buffer conventions the teacher library
// uses for its own CPU rasterizer.
package softwarebackend

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/draw"

	"github.com/gogpu/gputhread/host"
)

// Opcode identifies a backend-specific command payload's first byte.
type Opcode byte

const (
	// OpClear fills the entire framebuffer with a solid color. Payload:
	// [1]byte opcode, [4]byte RGBA.
	OpClear Opcode = iota
	// OpFillRect fills an axis-aligned rectangle with a solid color.
	// Payload: [1]byte opcode, [4]x int32 x/y/w/h, [4]byte RGBA.
	OpFillRect
)

// Backend rasterizes draw commands into an *image.RGBA framebuffer owned
// entirely by the consumer goroutine. The zero value is ready to use once
// Initialize has been called.
type Backend struct {
	width, height int
	frame         *image.RGBA

	resolutionScale float64
	flushes         int
}

// New creates a Backend sized width x height; a width or height of 0 or
// less defaults to 640 or 480. The framebuffer is allocated by Initialize.
func New(width, height int) *Backend {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &Backend{width: width, height: height, resolutionScale: 1.0}
}

// Initialize (re)allocates the framebuffer. When clearVRAM is false (a
// backend swap that should preserve pixel state, per spec §4.5) and a
// framebuffer of the same dimensions already exists, its contents are kept;
// otherwise a fresh, zeroed framebuffer is allocated.
func (b *Backend) Initialize(clearVRAM bool) error {
	if !clearVRAM && b.frame != nil && b.frame.Bounds().Dx() == b.width && b.frame.Bounds().Dy() == b.height {
		return nil
	}
	b.frame = image.NewRGBA(image.Rect(0, 0, b.width, b.height))
	return nil
}

// HandleCommand interprets one opcode-tagged payload and rasterizes it.
// Unknown opcodes are ignored: they are a programmer error one layer up
// (the caller should not have dispatched a malformed payload to a
// software-specific handler), not something this package aborts on.
func (b *Backend) HandleCommand(payload []byte) {
	if len(payload) == 0 || b.frame == nil {
		return
	}
	switch Opcode(payload[0]) {
	case OpClear:
		if len(payload) < 5 {
			return
		}
		c := rgbaAt(payload[1:5])
		draw.Draw(b.frame, b.frame.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	case OpFillRect:
		if len(payload) < 21 {
			return
		}
		x := int(int32(binary.LittleEndian.Uint32(payload[1:5])))
		y := int(int32(binary.LittleEndian.Uint32(payload[5:9])))
		w := int(int32(binary.LittleEndian.Uint32(payload[9:13])))
		h := int(int32(binary.LittleEndian.Uint32(payload[13:17])))
		c := rgbaAt(payload[17:21])
		rect := image.Rect(x, y, x+w, y+h).Intersect(b.frame.Bounds())
		draw.Draw(b.frame, rect, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
}

func rgbaAt(b []byte) color.RGBA {
	return color.RGBA{R: b[0], G: b[1], B: b[2], A: b[3]}
}

// FlushRender is a no-op for the software backend: every HandleCommand call
// already wrote directly into the framebuffer, so there is nothing
// batched to submit.
func (b *Backend) FlushRender() { b.flushes++ }

// PresentDisplay always reports success: the software backend has no
// device to lose, so [host.PresentDeviceLost] never originates here.
func (b *Backend) PresentDisplay() host.PresentResult { return host.PresentOK }

// ReadVRAM copies out the requested sub-rectangle of the framebuffer as
// tightly packed RGBA bytes, used by backendlc.Lifecycle when swapping to
// preserve pixel state across the swap.
func (b *Backend) ReadVRAM(x, y, width, height int) []byte {
	out := make([]byte, width*height*4)
	if b.frame == nil {
		return out
	}
	rect := image.Rect(x, y, x+width, y+height).Intersect(b.frame.Bounds())
	sub := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(sub, sub.Bounds(), b.frame, rect.Min, draw.Src)
	copy(out, sub.Pix)
	return out
}

// WriteVRAM blits previously-read-back RGBA pixels into the framebuffer at
// (x, y), used by backendlc.Lifecycle to seed a freshly swapped-to backend
// with the outgoing backend's pixel state. Out-of-bounds regions are
// clipped rather than rejected, matching ReadVRAM's own clipping.
func (b *Backend) WriteVRAM(x, y, width, height int, pixels []byte) {
	if b.frame == nil || len(pixels) < width*height*4 {
		return
	}
	src := &image.RGBA{
		Pix:    pixels,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	dstRect := image.Rect(x, y, x+width, y+height).Intersect(b.frame.Bounds())
	sp := image.Point{X: dstRect.Min.X - x, Y: dstRect.Min.Y - y}
	draw.Draw(b.frame, dstRect, src, sp, draw.Src)
}

// UpdateSettings is a no-op: the software backend derives nothing from
// settings beyond resolution scale, handled separately by
// UpdateResolutionScale.
func (b *Backend) UpdateSettings(old host.SettingsSnapshot) {}

// UpdateResolutionScale calls Initialize(false). The framebuffer dimensions
// are the width and height given to New and do not depend on the resolution
// scale, so an existing framebuffer is kept with its content unchanged.
func (b *Backend) UpdateResolutionScale() {
	_ = b.Initialize(false)
}

// RestoreDeviceContext is a no-op: the software backend has no external
// graphics-API context to restore.
func (b *Backend) RestoreDeviceContext() {}

// Frame returns the current framebuffer for inspection, e.g. by a host
// application compositing it into a window. The returned image aliases
// the backend's internal buffer and must not be mutated by the caller.
func (b *Backend) Frame() *image.RGBA { return b.frame }

var _ host.Backend = (*Backend)(nil)
