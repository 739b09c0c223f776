// Package wizard provides the interactive setup flow that writes a starter
// configuration file.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/cendern/toothpaste/internal/config"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13")).
			Padding(0, 1)

	subtitleStyle = lipgloss.NewStyle().
			Faint(true).
			Padding(0, 1)
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Run executes the interactive setup and writes the configuration file.
func Run() (*Result, error) {
	fmt.Println(bannerStyle.Render("Toothpaste Setup"))
	fmt.Println(subtitleStyle.Render("Wireless keystroke appliance"))
	fmt.Println()

	cfg := config.Default()
	configPath := "./config.yaml"
	enableHealth := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Config file path").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Data directory").
				Description("Holds the enrollment keystore").
				Value(&cfg.Device.DataDir),
			huh.NewInput().
				Title("Advertised name").
				Description("Leave empty for the factory default").
				Value(&cfg.Device.Name),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log level").
				Options(huh.NewOptions("info", "debug", "warn", "error")...).
				Value(&cfg.Device.LogLevel),
			huh.NewInput().
				Title("Bridge listen address").
				Description("WebSocket link for development clients").
				Value(&cfg.Bridge.Address),
			huh.NewConfirm().
				Title("Enable the health/metrics endpoint?").
				Value(&enableHealth),
		),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}

	cfg.Health.Enabled = enableHealth
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := writeConfig(configPath, cfg); err != nil {
		return nil, err
	}

	fmt.Println()
	fmt.Println(subtitleStyle.Render("Wrote " + configPath))
	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
