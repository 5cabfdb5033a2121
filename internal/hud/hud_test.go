package hud

import (
	"image"
	"image/color"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/gogpu/shoal/internal/render"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(20 * time.Millisecond)
	return c.t
}

func TestLines(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	h := New(WithClock(clk.now))
	info := render.FrameInfo{Slot: 1, Image: 2, Agents: 29952}

	first := h.Lines(info)
	if first[0] != "agents 29,952" {
		t.Errorf("line 0 = %q, want %q", first[0], "agents 29,952")
	}
	if first[1] != "frame 1  slot 1  image 2" {
		t.Errorf("line 1 = %q", first[1])
	}
	if first[2] != "0.0 fps" {
		t.Errorf("first fps line = %q, want 0.0 fps", first[2])
	}

	second := h.Lines(info)
	if second[2] != "50.0 fps" {
		t.Errorf("fps line = %q, want 50.0 fps", second[2])
	}
}

func TestLinesLanguage(t *testing.T) {
	h := New(WithLanguage(language.German))
	if got := h.Lines(render.FrameInfo{Agents: 29952})[0]; got != "agents 29.952" {
		t.Errorf("German line = %q, want %q", got, "agents 29.952")
	}
}

func TestDrawOverlay(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 200, 80))
	h := New(WithColors(color.RGBA{R: 255, G: 255, B: 255, A: 255}, color.RGBA{A: 0}))
	if err := h.DrawOverlay(dst, render.FrameInfo{Agents: 256}); err != nil {
		t.Fatal(err)
	}

	lit := 0
	for y := range 50 {
		for x := range 200 {
			if dst.RGBAAt(x, y).R == 255 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Error("no text drawn")
	}
	// Nothing below the panel.
	for x := range 200 {
		if c := dst.RGBAAt(x, 79); c != (color.RGBA{}) {
			t.Fatalf("pixel (%d,79) = %v outside the panel", x, c)
		}
	}
	if h.Name() != "hud" {
		t.Errorf("Name() = %q", h.Name())
	}
}

func TestDrawOverlayTinyTarget(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 3, 3))
	if err := New().DrawOverlay(dst, render.FrameInfo{}); err != nil {
		t.Fatal(err)
	}
}
