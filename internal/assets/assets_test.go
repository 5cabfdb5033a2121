package assets

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
)

func TestQuad(t *testing.T) {
	m := Quad()
	if len(m.Vertices) != 4 || len(m.Indices) != 6 {
		t.Fatalf("Quad() has %d vertices, %d indices; want 4, 6", len(m.Vertices), len(m.Indices))
	}
	for _, idx := range m.Indices {
		if int(idx) >= len(m.Vertices) {
			t.Errorf("index %d out of range", idx)
		}
	}
	if m.Vertices[2].Pos[1] <= 0 || m.Vertices[2].UV[1] != 0 {
		t.Error("head end should be at +Y with v = 0")
	}
}

func TestFishTexture(t *testing.T) {
	img := FishTexture(64)
	if got := img.Bounds(); got != image.Rect(0, 0, 64, 64) {
		t.Fatalf("bounds = %v", got)
	}
	if a := img.RGBAAt(32, 25).A; a != 255 {
		t.Errorf("body alpha = %d, want 255", a)
	}
	if a := img.RGBAAt(1, 1).A; a != 0 {
		t.Errorf("corner alpha = %d, want 0", a)
	}
	if a := img.RGBAAt(32, 60).A; a != 255 {
		t.Errorf("tail alpha = %d, want 255", a)
	}
	if got := FishTexture(0).Bounds().Dx(); got != DefaultTextureSize {
		t.Errorf("FishTexture(0) width = %d, want %d", got, DefaultTextureSize)
	}
}

func TestLoadTexture(t *testing.T) {
	dir := t.TempDir()
	src := FishTexture(16)

	for name, encode := range map[string]func(*os.File) error{
		"fish.png": func(f *os.File) error { return png.Encode(f, src) },
		"fish.bmp": func(f *os.File) error { return bmp.Encode(f, src) },
	} {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := encode(f); err != nil {
			t.Fatal(err)
		}
		f.Close()

		got, err := LoadTexture(path)
		if err != nil {
			t.Fatalf("LoadTexture(%s): %v", name, err)
		}
		if got.Bounds() != src.Bounds() {
			t.Errorf("%s: bounds = %v, want %v", name, got.Bounds(), src.Bounds())
		}
		if got.RGBAAt(8, 6) != src.RGBAAt(8, 6) {
			t.Errorf("%s: body pixel = %v, want %v", name, got.RGBAAt(8, 6), src.RGBAAt(8, 6))
		}
	}
}

func TestLoadTextureErrors(t *testing.T) {
	if _, err := LoadTexture(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("LoadTexture of a missing file succeeded")
	}
	path := filepath.Join(t.TempDir(), "junk.png")
	if err := os.WriteFile(path, []byte("not an image"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTexture(path); err == nil || errors.Is(err, ErrEmptyTexture) {
		t.Errorf("LoadTexture(junk) = %v, want a decode error", err)
	}
}
