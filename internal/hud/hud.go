// Package hud draws frame statistics over the rendered image.
package hud

import (
	"image"
	"image/color"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/shoal/internal/render"
)

const (
	margin  = 4
	spacing = 2
)

type options struct {
	lang  language.Tag
	fg    color.RGBA
	bg    color.RGBA
	clock func() time.Time
}

// Option configures a HUD.
type Option func(*options)

// WithLanguage selects number formatting.
func WithLanguage(tag language.Tag) Option {
	return func(o *options) { o.lang = tag }
}

// WithColors sets the text and panel colours. The panel is blended over
// the image with its alpha.
func WithColors(fg, bg color.RGBA) Option {
	return func(o *options) { o.fg, o.bg = fg, bg }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// HUD is a render.Overlay printing agent count, frame number and frame
// rate in the top-left corner.
type HUD struct {
	face    font.Face
	printer *message.Printer
	fg      *image.Uniform
	bg      *image.Uniform
	clock   func() time.Time

	mu     sync.Mutex
	frames uint64
	last   time.Time
	fps    float64
}

var _ render.Overlay = (*HUD)(nil)

// New creates a HUD with the 7x13 bitmap face.
func New(opts ...Option) *HUD {
	o := options{
		lang:  language.English,
		fg:    color.RGBA{R: 230, G: 230, B: 240, A: 255},
		bg:    color.RGBA{A: 160},
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &HUD{
		face:    basicfont.Face7x13,
		printer: message.NewPrinter(o.lang),
		fg:      image.NewUniform(o.fg),
		bg:      image.NewUniform(o.bg),
		clock:   o.clock,
	}
}

// Name implements render.Overlay.
func (h *HUD) Name() string { return "hud" }

// Lines returns the text of the next frame's panel and advances the frame
// counter.
func (h *HUD) Lines(info render.FrameInfo) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock()
	if !h.last.IsZero() {
		if dt := now.Sub(h.last).Seconds(); dt > 0 {
			// Exponential moving average over roughly ten frames.
			inst := 1 / dt
			if h.fps == 0 {
				h.fps = inst
			} else {
				h.fps += (inst - h.fps) * 0.1
			}
		}
	}
	h.last = now
	h.frames++

	return []string{
		h.printer.Sprintf("agents %d", info.Agents),
		h.printer.Sprintf("frame %d  slot %d  image %d", h.frames, info.Slot, info.Image),
		h.printer.Sprintf("%.1f fps", h.fps),
	}
}

// DrawOverlay implements render.Overlay.
func (h *HUD) DrawOverlay(dst *image.RGBA, info render.FrameInfo) error {
	lines := h.Lines(info)

	m := h.face.Metrics()
	lineHeight := (m.Ascent + m.Descent).Ceil() + spacing
	width := 0
	for _, l := range lines {
		width = max(width, font.MeasureString(h.face, l).Ceil())
	}
	b := dst.Bounds()
	panel := image.Rect(b.Min.X, b.Min.Y, b.Min.X+width+2*margin, b.Min.Y+len(lines)*lineHeight+2*margin).Intersect(b)
	draw.Draw(dst, panel, h.bg, image.Point{}, draw.Over)

	d := font.Drawer{Dst: dst, Src: h.fg, Face: h.face}
	for i, l := range lines {
		d.Dot = fixed.P(b.Min.X+margin, b.Min.Y+margin+i*lineHeight+m.Ascent.Ceil())
		d.DrawString(l)
	}
	return nil
}
