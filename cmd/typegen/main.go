// Command typegen writes TypeScript definitions for the wire types served
// to browser clients: REST DTOs, WebSocket commands and the events and
// messages they carry.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	tygo "github.com/gzuidhof/tygo/tygo"
)

const modulePath = "github.com/ricochet1k/taskrelay"

// wirePackages maps each package to the file generated for it.
var wirePackages = map[string]string{
	"internal/domain": "domain.ts",
	"pkg/api":         "api.ts",
	"pkg/realtime":    "realtime.ts",
}

func main() {
	root, err := findModuleRoot()
	if err != nil {
		panic(err)
	}

	outDir := filepath.Join(root, "web", "src", "types", "generated")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		panic(err)
	}

	gen := tygo.New(&tygo.Config{
		TypeMappings: map[string]string{
			"time.Time":       "string",
			"json.RawMessage": "unknown",
		},
		Packages: packageConfigs(outDir),
	})
	if err := gen.Generate(); err != nil {
		panic(err)
	}

	fmt.Printf("wrote %d files to %s\n", len(wirePackages), outDir)
}

func packageConfigs(outDir string) []*tygo.PackageConfig {
	configs := make([]*tygo.PackageConfig, 0, len(wirePackages))
	for _, rel := range []string{"internal/domain", "pkg/api", "pkg/realtime"} {
		configs = append(configs, &tygo.PackageConfig{
			Path:             modulePath + "/" + rel,
			OutputPath:       filepath.Join(outDir, wirePackages[rel]),
			PreserveComments: "none",
		})
	}
	return configs
}

func findModuleRoot() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("unable to resolve generator path")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		return "", fmt.Errorf("module root not found: %w", err)
	}
	return root, nil
}
