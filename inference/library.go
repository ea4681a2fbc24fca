package inference

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/cockroachdb/errors"
)

// LibraryEnv overrides the runtime library location when no path is configured.
const LibraryEnv = "ONNXRUNTIME_LIB"

// DefaultLibraryName is the platform's ONNX Runtime shared library name.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	}
	return "libonnxruntime.so"
}

// ResolveLibraryPath picks the runtime library: the configured path, then
// $ONNXRUNTIME_LIB, then the platform name resolved by the dynamic loader.
func ResolveLibraryPath(configured string) (string, error) {
	path := configured
	if path == "" {
		path = os.Getenv(LibraryEnv)
	}
	if path == "" {
		return DefaultLibraryName(), nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "resolve runtime library %s", path)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", errors.WithHint(
			errors.Wrapf(err, "runtime library %s", abs),
			"set runtime.library_path or $"+LibraryEnv+" to the ONNX Runtime shared library",
		)
	}
	return abs, nil
}
