package session

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xaionaro-go/audiomix/pkg/audio"
	"github.com/xaionaro-go/audiomix/pkg/audio/processor"
	"gopkg.in/yaml.v2"
)

type Container string

const (
	ContainerUndefined = Container("")
	ContainerWAV       = Container("wav")
	ContainerRaw       = Container("raw")
)

type EffectType string

const (
	EffectTypeGain     = EffectType("gain")
	EffectTypeSpectrum = EffectType("spectrum")
)

// Config describes a mixing session.
type Config struct {
	Output  OutputConfig   `yaml:"output"`
	Mixer   MixerConfig    `yaml:"mixer,omitempty"`
	Tracks  []TrackConfig  `yaml:"tracks"`
	Effects []EffectConfig `yaml:"effects,omitempty"`

	// Realtime paces the output to the playback speed.
	Realtime bool `yaml:"realtime,omitempty"`
}

type OutputConfig struct {
	Path string `yaml:"path"`

	// Container defaults to the one matching the extension of Path.
	Container Container `yaml:"container,omitempty"`

	// Format is the format of the mix; unset fields are taken from the
	// first track.
	Format audio.Format `yaml:"format,omitempty"`

	// SlotFrames is the size of an encoder input slot.
	SlotFrames int `yaml:"slot_frames,omitempty"`
}

type MixerConfig struct {
	Window time.Duration `yaml:"window,omitempty"`

	// Start is the position of the timeline the output starts at.
	Start time.Duration `yaml:"start,omitempty"`

	// End cuts the output; if not set, the output ends with the
	// longest track.
	End *time.Duration `yaml:"end,omitempty"`
}

type TrackConfig struct {
	Name string `yaml:"name,omitempty"`

	// Volume defaults to 1.
	Volume *float32 `yaml:"volume,omitempty"`

	// Start delays the track on the timeline.
	Start time.Duration `yaml:"start,omitempty"`

	Items []ItemConfig `yaml:"items"`
}

// ItemConfig is either a file to decode (Path) or a gap of silence.
type ItemConfig struct {
	Path    string         `yaml:"path,omitempty"`
	Silence time.Duration  `yaml:"silence,omitempty"`
	Raw     *RawConfig     `yaml:"raw,omitempty"`
	Effects []EffectConfig `yaml:"effects,omitempty"`
}

// RawConfig describes a headerless PCM file.
type RawConfig struct {
	Format audio.Format `yaml:"format"`

	// PlanarBlockSize, if set, means every block of that many bytes is
	// planar and has to be interleaved.
	PlanarBlockSize uint `yaml:"planar_block_size,omitempty"`
}

type EffectConfig struct {
	Type EffectType `yaml:"type"`

	Gain         float64 `yaml:"gain,omitempty"`
	WindowFrames int     `yaml:"window_frames,omitempty"`
}

// LoadConfig parses and validates a YAML session description. Relative
// paths are resolved against baseDir.
func LoadConfig(r io.Reader, baseDir string) (*Config, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("unable to read the config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(buf.Bytes(), cfg); err != nil {
		return nil, fmt.Errorf("unable to parse the config: %w", err)
	}
	cfg.resolvePaths(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open '%s': %w", path, err)
	}
	defer f.Close()
	return LoadConfig(f, filepath.Dir(path))
}

func (cfg *Config) resolvePaths(baseDir string) {
	if baseDir == "" {
		return
	}
	for trackIdx := range cfg.Tracks {
		items := cfg.Tracks[trackIdx].Items
		for idx := range items {
			if items[idx].Path != "" && !filepath.IsAbs(items[idx].Path) {
				items[idx].Path = filepath.Join(baseDir, items[idx].Path)
			}
		}
	}
}

func (cfg *Config) Validate() error {
	if cfg.Output.Path == "" {
		return fmt.Errorf("the output path is not set")
	}
	if _, err := cfg.Output.container(); err != nil {
		return err
	}
	if cfg.Output.SlotFrames < 0 {
		return fmt.Errorf("the slot size must not be negative: %d", cfg.Output.SlotFrames)
	}
	if cfg.Mixer.Window < 0 || cfg.Mixer.Start < 0 {
		return fmt.Errorf("the mixer window and start must not be negative")
	}
	if cfg.Mixer.End != nil && *cfg.Mixer.End < cfg.Mixer.Start {
		return fmt.Errorf("the end (%v) is before the start (%v)", *cfg.Mixer.End, cfg.Mixer.Start)
	}
	if len(cfg.Tracks) == 0 {
		return fmt.Errorf("no tracks")
	}
	for idx, track := range cfg.Tracks {
		if err := track.validate(); err != nil {
			return fmt.Errorf("track #%d (%s): %w", idx, track.Name, err)
		}
	}
	for idx, effect := range cfg.Effects {
		if err := effect.validate(); err != nil {
			return fmt.Errorf("effect #%d: %w", idx, err)
		}
	}
	return nil
}

func (track TrackConfig) validate() error {
	if track.Volume != nil && *track.Volume < 0 {
		return fmt.Errorf("the volume must not be negative: %v", *track.Volume)
	}
	if track.Start < 0 {
		return fmt.Errorf("the start must not be negative: %v", track.Start)
	}
	if len(track.Items) == 0 {
		return fmt.Errorf("no items")
	}
	for idx, item := range track.Items {
		if err := item.validate(); err != nil {
			return fmt.Errorf("item #%d: %w", idx, err)
		}
	}
	return nil
}

func (item ItemConfig) validate() error {
	switch {
	case item.Path == "" && item.Silence <= 0:
		return fmt.Errorf("either a path or a positive silence duration is required")
	case item.Path != "" && item.Silence != 0:
		return fmt.Errorf("a path and a silence duration are mutually exclusive")
	case item.Raw != nil && item.Path == "":
		return fmt.Errorf("the raw format is set for a silence item")
	}
	for idx, effect := range item.Effects {
		if err := effect.validate(); err != nil {
			return fmt.Errorf("effect #%d: %w", idx, err)
		}
	}
	return nil
}

func (effect EffectConfig) validate() error {
	switch effect.Type {
	case EffectTypeGain:
		if effect.Gain < 0 {
			return fmt.Errorf("the gain must not be negative: %v", effect.Gain)
		}
	case EffectTypeSpectrum:
		if effect.WindowFrames < 0 {
			return fmt.Errorf("the window must not be negative: %d", effect.WindowFrames)
		}
	default:
		return fmt.Errorf("unknown effect type '%s'", effect.Type)
	}
	return nil
}

// Build returns the processor implementing the effect.
func (effect EffectConfig) Build() (processor.Processor, error) {
	if err := effect.validate(); err != nil {
		return nil, err
	}
	switch effect.Type {
	case EffectTypeGain:
		return processor.NewGain(effect.Gain), nil
	case EffectTypeSpectrum:
		return processor.NewSpectrumAnalyzer(effect.WindowFrames), nil
	default:
		return nil, fmt.Errorf("unknown effect type '%s'", effect.Type)
	}
}

func (out OutputConfig) container() (Container, error) {
	if out.Container != ContainerUndefined {
		switch out.Container {
		case ContainerWAV, ContainerRaw:
			return out.Container, nil
		default:
			return ContainerUndefined, fmt.Errorf("unknown container '%s'", out.Container)
		}
	}
	switch strings.ToLower(filepath.Ext(out.Path)) {
	case ".wav":
		return ContainerWAV, nil
	case ".raw", ".pcm":
		return ContainerRaw, nil
	default:
		return ContainerUndefined, fmt.Errorf("unable to guess the container of '%s', please set it explicitly", out.Path)
	}
}

func durationToUs(d time.Duration) int64 {
	return d.Microseconds()
}
