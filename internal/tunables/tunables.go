// Package tunables loads the per-tick simulation coefficients and camera
// from a TOML file and reloads them when the file changes.
package tunables

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/shoal/internal/render"
	"github.com/gogpu/shoal/internal/sim"
)

// ErrInvalid is returned for a tunables file that does not parse or
// validate.
var ErrInvalid = errors.New("tunables: invalid file")

// File is the tunables document. Keys missing from a file keep their
// default values.
type File struct {
	Params sim.Params    `toml:"params"`
	Camera render.Camera `toml:"camera"`
}

// Default returns the coefficients and camera the simulation was tuned
// with.
func Default() File {
	return File{Params: sim.DefaultParams(), Camera: render.DefaultCamera()}
}

// Validate checks both sections.
func (f File) Validate() error {
	if err := f.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := f.Camera.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Parse decodes data over the defaults. Unknown keys are rejected.
func Parse(data []byte) (File, error) {
	f := Default()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return File{}, fmt.Errorf("%w: %s", ErrInvalid, sme.String())
		}
		return File{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Load reads and parses path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided
	if err != nil {
		return File{}, fmt.Errorf("tunables: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Save writes f to path.
func Save(path string, f File) error {
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("tunables: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // tunables are not secret
		return fmt.Errorf("tunables: %w", err)
	}
	return nil
}
