// Package overlay is a reference [host.Overlay] implementation: it shapes
// OSD/debug-window text with go-text/typesetting and hands the resulting
// glyph runs to a pluggable Sink, so the core engine can be driven end to
// end in tests and examples without a real immediate-mode UI library
// attached. The numbers in emitted text (e.g. the count attached to a queued
// message) are formatted for the overlay's locale with
// golang.org/x/text/message, matching spec §6's narrow, abstractly-consumed
// Overlay contract.
package overlay

import (
	"bytes"
	"sync"

	"github.com/go-text/typesetting/di"
	"github.com/go-text/typesetting/font"
	"github.com/go-text/typesetting/language"
	"github.com/go-text/typesetting/shaping"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/message"

	gomessage "golang.org/x/text/language"

	"github.com/gogpu/gputhread/host"
)

// GlyphRun is one shaped line of text: the source string plus its
// positioned glyphs, ready for a renderer to rasterize.
type GlyphRun struct {
	Text   string
	Glyphs []shaping.Glyph
}

// Sink receives shaped text produced by the overlay's render calls. kind
// identifies which render call produced the run ("osd", "debug", "text"),
// useful for a Sink that routes different kinds to different on-screen
// regions.
type Sink func(kind string, run GlyphRun)

// Overlay shapes and forwards OSD messages, debug-window labels, and text
// overlays. The zero value has no message printer and is not usable —
// construct with [New]. Until LoadFont is called, Render* calls hand the
// Sink runs that carry only their text and no glyphs.
type Overlay struct {
	mu sync.Mutex

	Sink   Sink
	shaper shaping.HarfbuzzShaper
	face   *font.Face
	size   float32

	printer *message.Printer

	scale         float64
	messages      []pendingText
	warnings      []pendingText
	cursorsOn     bool
	width, height int
}

type pendingText struct {
	kind string
	text string
	n    int
}

// New creates an Overlay that formats counts for the given BCP-47 locale
// tag (e.g. "en"); an empty tag defaults to English.
func New(locale string) *Overlay {
	tag := gomessage.English
	if locale != "" {
		if parsed, err := gomessage.Parse(locale); err == nil {
			tag = parsed
		}
	}
	return &Overlay{
		printer: message.NewPrinter(tag),
		size:    14,
	}
}

// LoadFont parses ttf, a raw TrueType/OpenType font file, for use shaping
// subsequent text. Must be called before any Render* call produces a
// non-empty GlyphRun.
func (o *Overlay) LoadFont(ttf []byte, size float32) error {
	face, err := font.ParseTTF(bytes.NewReader(ttf))
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.face = face
	o.size = size
	return nil
}

func (o *Overlay) shape(text string) GlyphRun {
	o.mu.Lock()
	face := o.face
	size := o.size
	o.mu.Unlock()

	if face == nil || text == "" {
		return GlyphRun{Text: text}
	}

	runes := []rune(text)
	input := shaping.Input{
		Text:      runes,
		RunStart:  0,
		RunEnd:    len(runes),
		Direction: di.DirectionLTR,
		Face:      font.NewFace(face.Font),
		Size:      fixedSize(size),
		Script:    language.Latin,
		Language:  language.NewLanguage("en"),
	}

	o.mu.Lock()
	output := o.shaper.Shape(input)
	o.mu.Unlock()

	return GlyphRun{Text: text, Glyphs: output.Glyphs}
}

func (o *Overlay) emit(kind string, text string) {
	if o.Sink == nil {
		return
	}
	o.Sink(kind, o.shape(text))
}

func (o *Overlay) Initialize(scale float64) error {
	o.mu.Lock()
	o.scale = scale
	o.mu.Unlock()
	return nil
}

func (o *Overlay) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = nil
	o.warnings = nil
}

func (o *Overlay) NewFrame() {}

func (o *Overlay) RenderTextOverlays() {
	o.emit("text", o.printer.Sprintf("scale %.0f%%", o.scale*100))
}

// RenderOSDMessages flushes the message text queued with QueueMessage
// through the shaper, printing each as "text (n)" with n formatted for the
// overlay's locale via x/text/message.
func (o *Overlay) RenderOSDMessages() {
	o.mu.Lock()
	pending := o.messages
	o.messages = nil
	o.mu.Unlock()

	for _, p := range pending {
		o.emit("osd", o.printer.Sprintf("%s (%d)", p.text, p.n))
	}
}

// QueueMessage enqueues text to be shaped and emitted on the next
// RenderOSDMessages call, with n folded into the printed count (e.g. the
// number of consecutive device resets).
func (o *Overlay) QueueMessage(text string, n int) {
	o.mu.Lock()
	o.messages = append(o.messages, pendingText{kind: "osd", text: text, n: n})
	o.mu.Unlock()
}

func (o *Overlay) RenderSoftwareCursors() {
	o.mu.Lock()
	o.cursorsOn = true
	o.mu.Unlock()
}

func (o *Overlay) RenderOverlayWindows() {}

func (o *Overlay) RenderDebugWindows() {
	o.emit("debug", o.printer.Sprintf("%dx%d", o.width, o.height))
}

func (o *Overlay) DestroyOverlayTextures() {}

func (o *Overlay) WindowResized(width, height int) {
	o.mu.Lock()
	o.width, o.height = width, height
	o.mu.Unlock()
}

func (o *Overlay) EndFrame() {}

// fixedSize converts a float32 point size to the 26.6 fixed-point
// representation shaping.Input.Size expects.
func fixedSize(size float32) fixed.Int26_6 {
	return fixed.Int26_6(size * 64)
}

var _ host.Overlay = (*Overlay)(nil)
