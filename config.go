package shoal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/shoal/internal/present"
	"github.com/gogpu/shoal/internal/render"
	"github.com/gogpu/shoal/internal/sim"
	"github.com/gogpu/shoal/internal/tunables"
)

// Backend selects the device implementation.
type Backend string

const (
	// BackendAuto uses the GPU when an adapter is available and the
	// software device otherwise.
	BackendAuto Backend = "auto"
	// BackendGPU requires a Vulkan adapter.
	BackendGPU Backend = "gpu"
	// BackendSoftware runs compute and raster on the CPU worker pool.
	BackendSoftware Backend = "software"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Timeouts bound every host-side wait of the frame loop.
type Timeouts struct {
	Slot    Duration `toml:"slot"`
	Acquire Duration `toml:"acquire"`
	Drain   Duration `toml:"drain"`
}

// Config is the startup configuration of a Simulation.
type Config struct {
	// Agents is the requested population. It is rounded down to a
	// multiple of 256; a result of zero is rejected.
	Agents int `toml:"agents"`
	// Frames is the number of frames in flight.
	Frames int `toml:"frames"`

	Seed         uint64  `toml:"seed"`
	InitialSpeed float32 `toml:"initial_speed"`
	FieldScale   float32 `toml:"field_scale"`

	Backend Backend `toml:"backend"`
	// Workers sizes the software device's pool; zero uses GOMAXPROCS.
	Workers int `toml:"workers"`

	Surface present.Config `toml:"surface"`
	// InstanceScale is the world-space length of one fish.
	InstanceScale float32 `toml:"instance_scale"`
	// Texture is an optional image file replacing the built-in fish.
	Texture string `toml:"texture"`
	HUD     bool   `toml:"hud"`

	// Tunables are the initial coefficients and camera. When TunablesFile
	// is set they are loaded from it instead and reloaded on change.
	Tunables     tunables.File `toml:"tunables"`
	TunablesFile string        `toml:"tunables_file"`

	Timeouts Timeouts `toml:"timeouts"`
	// MaxTicks stops the run after that many ticks; zero runs until the
	// context is cancelled.
	MaxTicks uint64 `toml:"max_ticks"`
}

// DefaultConfig returns a 30000-agent (29952 effective) school on a
// 1300x800 surface with two frames in flight.
func DefaultConfig() Config {
	return Config{
		Agents:        30000,
		Frames:        2,
		Seed:          1,
		InitialSpeed:  0.003,
		FieldScale:    1,
		Backend:       BackendAuto,
		Surface:       present.Config{Width: 1300, Height: 800, Images: present.DefaultImages},
		InstanceScale: render.DefaultInstanceScale,
		HUD:           true,
		Tunables:      tunables.Default(),
		Timeouts: Timeouts{
			Slot:    Duration(5 * time.Second),
			Acquire: Duration(5 * time.Second),
			Drain:   Duration(5 * time.Second),
		},
	}
}

// Validate returns the effective configuration: the agent count rounded
// down to a multiple of 256 and zero timeouts replaced by defaults.
func (c Config) Validate() (Config, error) {
	requested := c.Agents
	c.Agents = sim.RoundAgents(c.Agents)
	if c.Agents == 0 {
		return c, fmt.Errorf("%w: %w: %d agents rounds to zero (group size %d)",
			ErrInvalidConfig, ErrAllocation, requested, sim.GroupSize)
	}
	if c.Frames < 1 {
		return c, fmt.Errorf("%w: frames = %d, need at least 1", ErrInvalidConfig, c.Frames)
	}
	switch c.Backend {
	case "":
		c.Backend = BackendAuto
	case BackendAuto, BackendGPU, BackendSoftware:
	default:
		return c, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Surface.Width <= 0 || c.Surface.Height <= 0 {
		return c, fmt.Errorf("%w: surface %dx%d", ErrInvalidConfig, c.Surface.Width, c.Surface.Height)
	}
	if c.Surface.Images != 0 && c.Surface.Images < present.MinImages {
		return c, fmt.Errorf("%w: surface images = %d, need at least %d",
			ErrInvalidConfig, c.Surface.Images, present.MinImages)
	}
	if c.InstanceScale < 0 || c.FieldScale < 0 || c.InitialSpeed < 0 {
		return c, fmt.Errorf("%w: negative scale or speed", ErrInvalidConfig)
	}
	if c.TunablesFile == "" {
		if err := c.Tunables.Validate(); err != nil {
			return c, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	def := DefaultConfig().Timeouts
	if c.Timeouts.Slot <= 0 {
		c.Timeouts.Slot = def.Slot
	}
	if c.Timeouts.Acquire <= 0 {
		c.Timeouts.Acquire = def.Acquire
	}
	if c.Timeouts.Drain <= 0 {
		c.Timeouts.Drain = def.Drain
	}
	return c, nil
}

// LoadConfig reads a TOML file over DefaultConfig and validates it. Unknown
// keys are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided
	if err != nil {
		return Config{}, fmt.Errorf("shoal: %w", err)
	}
	c := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, path, sme.String())
		}
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return c.Validate()
}
