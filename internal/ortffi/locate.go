package ortffi

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/hearthframe/voxrt/internal/voxerr"
)

// LibraryInfo describes a located native tensor runtime library.
type LibraryInfo struct {
	Path    string
	Version string
}

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

// DetectLibrary resolves the native tensor runtime's shared library path,
// preferring an explicit path, then environment variables, then a list of
// well-known install locations.
func DetectLibrary(explicitPath, explicitVersion string) (LibraryInfo, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv("VOXRT_ORT_LIB")
	}

	if path == "" {
		path = os.Getenv("ORT_LIBRARY_PATH")
	}

	if path == "" {
		candidates := []string{
			"/usr/lib/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"C:/onnxruntime/lib/onnxruntime.dll",
		}

		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	if path == "" {
		return LibraryInfo{}, voxerr.New(voxerr.UnsupportedDevice, "unable to locate native tensor runtime library")
	}

	if _, err := os.Stat(path); err != nil {
		return LibraryInfo{}, voxerr.Wrapf(voxerr.Io, err, "native tensor runtime library path check failed for %q", path)
	}

	version := explicitVersion
	if version == "" {
		version = os.Getenv("VOXRT_ORT_VERSION")
	}

	if version == "" {
		version = inferVersionFromPath(path)
	}

	return LibraryInfo{Path: path, Version: version}, nil
}

func inferVersionFromPath(path string) string {
	name := filepath.Base(path)
	if m := versionPattern.FindStringSubmatch(name); len(m) == 2 {
		return m[1]
	}

	return ""
}
