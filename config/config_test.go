package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("GRADCAM_CONFIG", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, 1, cfg.WorkersNum)
	assert.Equal(t, 224, cfg.InputSize)
	assert.Equal(t, 0.4, cfg.BlendAlpha)
	assert.Len(t, cfg.Labels, 3)

	m, err := cfg.Mapping()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 4}, m.Grades())
}

func TestLoadFileAndPortOverride(t *testing.T) {
	path := writeConfig(t, `
HTTPPort: 8080
RPCPort: 0
workersNum: 4
modelPath: /srv/model.onnx
layerName: conv2d_3
blendAlpha: 0.5
labels:
  - {index: 0, grade: 0, name: Normal}
  - {index: 1, grade: 2, name: Mild OA}
`)
	t.Setenv("GRADCAM_CONFIG", "")
	t.Setenv("PORT", "9090")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 0, cfg.RPCPort)
	assert.Equal(t, 4, cfg.WorkersNum)
	assert.Equal(t, "/srv/model.onnx", cfg.ModelPath)
	assert.Equal(t, "conv2d_3", cfg.LayerName)
	assert.Equal(t, 0.5, cfg.BlendAlpha)

	m, err := cfg.Mapping()
	require.NoError(t, err)
	assert.Equal(t, "Mild OA", m.Name(2))
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeConfig(t, "HTTPPort: 7000\n")
	t.Setenv("PORT", "")
	t.Setenv("GRADCAM_CONFIG", path)
	cfg, err := Load(DefaultPath)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.HTTPPort)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("GRADCAM_CONFIG", "")
	cases := map[string]string{
		"bad yaml":           "HTTPPort: [",
		"alpha out of range": "blendAlpha: 1.5\n",
		"registry no host":   "UseRegServer: true\n",
		"sparse labels":      "labels:\n  - {index: 1, grade: 0, name: Normal}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("PORT", "")
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	t.Run("bad PORT", func(t *testing.T) {
		t.Setenv("PORT", "http")
		_, err := Load(writeConfig(t, ""))
		assert.Error(t, err)
	})
}
