package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

func getPlatform() string {
	system := runtime.GOOS
	switch runtime.GOARCH {
	case "amd64":
		return fmt.Sprintf("%s-%s", system, "x64")
	case "386":
		return fmt.Sprintf("%s-%s", system, "x86")
	default:
		return fmt.Sprintf("%s-%s", system, runtime.GOARCH)
	}
}

// DefaultLibraryName is the ONNX Runtime shared library file name for this OS.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// FindLibrary locates the ONNX Runtime shared library. The configured directory
// is tried first, then the executable's directory, the working directory and
// their lib/ and lib/<platform> children, then the system library directories.
func FindLibrary(dir, name string) (string, error) {
	if name == "" {
		name = DefaultLibraryName()
	}
	if filepath.IsAbs(name) {
		if fileExists(name) {
			return name, nil
		}
		return "", fmt.Errorf("onnxruntime library %q not found", name)
	}

	var candidates []string
	if dir != "" {
		candidates = append(candidates, dir)
	}
	addRoot := func(root string) {
		candidates = append(candidates,
			root,
			filepath.Join(root, "lib"),
			filepath.Join(root, "lib", getPlatform()),
		)
	}
	if exePath, err := os.Executable(); err == nil {
		addRoot(filepath.Dir(exePath))
	}
	if cwd, err := os.Getwd(); err == nil {
		addRoot(cwd)
	}
	if runtime.GOOS != "windows" {
		candidates = append(candidates, "/usr/local/lib", "/usr/lib")
	}

	seen := make(map[string]bool, len(candidates))
	var tried []string
	for _, d := range candidates {
		if seen[d] {
			continue
		}
		seen[d] = true
		tried = append(tried, d)
		if p := filepath.Join(d, name); fileExists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("onnxruntime library %q not found, tried:\n  - %s", name, strings.Join(tried, "\n  - "))
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
