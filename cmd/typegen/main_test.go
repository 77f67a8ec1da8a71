package main

import (
	"path/filepath"
	"testing"
)

func TestPackageConfigs(t *testing.T) {
	configs := packageConfigs("/out")
	if len(configs) != len(wirePackages) {
		t.Fatalf("got %d configs, want %d", len(configs), len(wirePackages))
	}
	for _, c := range configs {
		rel := c.Path[len(modulePath)+1:]
		want := filepath.Join("/out", wirePackages[rel])
		if c.OutputPath != want {
			t.Errorf("%s -> %s, want %s", c.Path, c.OutputPath, want)
		}
	}
}

func TestFindModuleRoot(t *testing.T) {
	root, err := findModuleRoot()
	if err != nil {
		t.Fatalf("findModuleRoot failed: %v", err)
	}
	if filepath.Base(root) == "typegen" || filepath.Base(root) == "cmd" {
		t.Errorf("root %q is inside cmd/", root)
	}
}
