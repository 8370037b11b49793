package config

import (
	"GradCamServer/grading"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath     = "config.yaml"
	DefaultHTTPPort = 10000
)

// Config is the process configuration. RPCPort and MonitorPort 0 disable the
// gRPC server and the metrics endpoint.
type Config struct {
	HTTPPort       int             `yaml:"HTTPPort"`
	RPCPort        int             `yaml:"RPCPort"`
	MonitorPort    int             `yaml:"MonitorPort"`
	WorkersNum     int             `yaml:"workersNum"`
	ModelPath      string          `yaml:"modelPath"`
	MetadataPath   string          `yaml:"metadataPath"`
	LibraryDir     string          `yaml:"libraryDir"`
	LibraryName    string          `yaml:"libraryName"`
	IntraOpThreads int             `yaml:"intraOpThreads"`
	LayerName      string          `yaml:"layerName"`
	InputSize      int             `yaml:"inputSize"`
	BlendAlpha     float64         `yaml:"blendAlpha"`
	MaxUploadMB    int             `yaml:"maxUploadMB"`
	LogLevel       string          `yaml:"logLevel"`
	LogFile        string          `yaml:"logFile"`
	UseRegServer   bool            `yaml:"UseRegServer"`
	RegServerHost  string          `yaml:"RegServerHost"`
	RegServerPort  int             `yaml:"RegServerPort"`
	InstanceClass  string          `yaml:"instanceClass"`
	Labels         []grading.Label `yaml:"labels"`
}

func Default() Config {
	return Config{
		HTTPPort:      DefaultHTTPPort,
		RPCPort:       50051,
		MonitorPort:   50053,
		WorkersNum:    1,
		ModelPath:     "models/final_model.onnx",
		MetadataPath:  "models/final_model.json",
		InputSize:     224,
		BlendAlpha:    0.4,
		MaxUploadMB:   10,
		LogLevel:      "production",
		InstanceClass: "Cpu",
	}
}

// Load reads .env (if any), then the YAML file at path (if any), applies
// defaults and the PORT override, and validates the result. A missing config
// file is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	if env := os.Getenv("GRADCAM_CONFIG"); env != "" {
		path = env
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.HTTPPort = p
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.WorkersNum <= 0 {
		c.WorkersNum = def.WorkersNum
	}
	if c.InputSize <= 0 {
		c.InputSize = def.InputSize
	}
	if c.BlendAlpha == 0 {
		c.BlendAlpha = def.BlendAlpha
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = def.MaxUploadMB
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.InstanceClass == "" {
		c.InstanceClass = def.InstanceClass
	}
	if len(c.Labels) == 0 {
		c.Labels = append([]grading.Label(nil), grading.DefaultLabels...)
	}
}

func (c Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTPPort %d out of range", c.HTTPPort)
	}
	for name, port := range map[string]int{"RPCPort": c.RPCPort, "MonitorPort": c.MonitorPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.BlendAlpha <= 0 || c.BlendAlpha >= 1 {
		return fmt.Errorf("blendAlpha must be in (0,1), got %v", c.BlendAlpha)
	}
	if c.UseRegServer && (c.RegServerHost == "" || c.RegServerPort <= 0) {
		return fmt.Errorf("UseRegServer requires RegServerHost and RegServerPort")
	}
	if _, err := grading.NewMapping(c.Labels); err != nil {
		return fmt.Errorf("invalid labels: %w", err)
	}
	return nil
}

// Mapping builds the validated label mapping.
func (c Config) Mapping() (grading.Mapping, error) {
	return grading.NewMapping(c.Labels)
}
