//go:build plugindyn && linux

package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"strings"
)

// LoadDynamicPlugins opens every .so file in dir and calls its exported
// RegisterPlugins function, which registers transports or devices with the
// global registry. A missing directory loads nothing.
func LoadDynamicPlugins(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	soFiles, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("failed to search for plugin files in %s: %w", dir, err)
	}

	for _, soFile := range soFiles {
		if err := loadPlugin(soFile); err != nil {
			return fmt.Errorf("failed to load plugin %s: %w", soFile, err)
		}
	}

	if len(soFiles) > 0 {
		slog.Info("Loaded dynamic plugins",
			slog.Int("count", len(soFiles)),
			slog.String("directory", dir))
	}
	return nil
}

func loadPlugin(soFile string) error {
	p, err := plugin.Open(soFile)
	if err != nil {
		return fmt.Errorf("failed to open plugin file: %w", err)
	}

	sym, err := p.Lookup("RegisterPlugins")
	if err != nil {
		return fmt.Errorf("plugin does not export RegisterPlugins: %w", err)
	}
	register, ok := sym.(func() error)
	if !ok {
		return fmt.Errorf("RegisterPlugins has signature %T, want func() error", sym)
	}
	if err := register(); err != nil {
		return fmt.Errorf("plugin registration failed: %w", err)
	}

	slog.Info("Loaded plugin",
		slog.String("name", strings.TrimSuffix(filepath.Base(soFile), ".so")),
		slog.String("file", soFile))
	return nil
}
