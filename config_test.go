package shoal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidate(t *testing.T) {
	cfg, err := DefaultConfig().Validate()
	require.NoError(t, err)
	require.Equal(t, 29952, cfg.Agents)
	require.Equal(t, 2, cfg.Frames)
	require.Equal(t, BackendAuto, cfg.Backend)
}

func TestValidateAgentRounding(t *testing.T) {
	tests := []struct {
		requested, want int
	}{
		{30000, 29952},
		{256, 256},
		{511, 256},
		{1024, 1024},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Agents = tt.requested
		got, err := cfg.Validate()
		require.NoError(t, err, "agents %d", tt.requested)
		require.Equal(t, tt.want, got.Agents, "agents %d", tt.requested)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"agents round to zero", func(c *Config) { c.Agents = 100 }},
		{"no agents", func(c *Config) { c.Agents = 0 }},
		{"no frames", func(c *Config) { c.Frames = 0 }},
		{"unknown backend", func(c *Config) { c.Backend = "metal" }},
		{"empty surface", func(c *Config) { c.Surface.Width = 0 }},
		{"negative images", func(c *Config) { c.Surface.Images = -2 }},
		{"single image", func(c *Config) { c.Surface.Images = 1 }},
		{"negative speed", func(c *Config) { c.InitialSpeed = -1 }},
		{"bad camera", func(c *Config) { c.Tunables.Camera.FOV = 0 }},
		{"bad params", func(c *Config) { c.Tunables.Params.MaxSpeed = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Equal(t, "invalid_config", ErrorKind(err))
		})
	}
}

func TestValidateTooFewAgentsIsAllocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = 100
	_, err := cfg.Validate()
	require.ErrorIs(t, err, ErrAllocation)
}

func TestValidateFillsTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts = Timeouts{Slot: Duration(time.Second)}
	got, err := cfg.Validate()
	require.NoError(t, err)
	require.Equal(t, Duration(time.Second), got.Timeouts.Slot)
	require.Equal(t, DefaultConfig().Timeouts.Drain, got.Timeouts.Drain)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shoal.toml")
	doc := `
agents = 1000
frames = 3
backend = "software"
hud = false

[surface]
width = 320
height = 200

[timeouts]
slot = "250ms"

[tunables.params]
vortex_force = 0.0002

[tunables.camera]
fov = 50.0
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 768, cfg.Agents)
	require.Equal(t, 3, cfg.Frames)
	require.Equal(t, BackendSoftware, cfg.Backend)
	require.False(t, cfg.HUD)
	require.Equal(t, 320, cfg.Surface.Width)
	require.Equal(t, 3, cfg.Surface.Images)
	require.Equal(t, Duration(250*time.Millisecond), cfg.Timeouts.Slot)
	require.Equal(t, Duration(5*time.Second), cfg.Timeouts.Acquire)
	require.Equal(t, float32(0.0002), cfg.Tunables.Params.VortexForce)
	require.Equal(t, DefaultConfig().Tunables.Params.MaxSpeed, cfg.Tunables.Params.MaxSpeed)
	require.Equal(t, float32(50), cfg.Tunables.Camera.FOV)
}

func TestLoadConfigRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "agent_count = 5\n"},
		{"bad duration", "[timeouts]\nslot = \"soon\"\n"},
		{"too few agents", "agents = 100\n"},
		{"syntax", "agents = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.doc), 0o644))
			_, err := LoadConfig(path)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}

func TestDurationText(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	b, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1.5s", string(b))

	var back Duration
	require.NoError(t, back.UnmarshalText(b))
	require.Equal(t, d, back)
}
