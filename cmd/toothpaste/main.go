// Package main provides the CLI entry point for the Toothpaste appliance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cendern/toothpaste/internal/button"
	"github.com/cendern/toothpaste/internal/config"
	"github.com/cendern/toothpaste/internal/device"
	"github.com/cendern/toothpaste/internal/gatt"
	"github.com/cendern/toothpaste/internal/health"
	"github.com/cendern/toothpaste/internal/hid"
	"github.com/cendern/toothpaste/internal/keystore"
	"github.com/cendern/toothpaste/internal/logging"
	"github.com/cendern/toothpaste/internal/metrics"
	"github.com/cendern/toothpaste/internal/pipeline"
	"github.com/cendern/toothpaste/internal/session"
	"github.com/cendern/toothpaste/internal/state"
	"github.com/cendern/toothpaste/internal/sysinfo"
	"github.com/cendern/toothpaste/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "toothpaste",
		Short: "Toothpaste - wireless keystroke injection appliance",
		Long: `Toothpaste is a wireless keystroke injection appliance. A paired
client drives the device over an authenticated, encrypted attribute
link; decrypted commands become USB HID keyboard, mouse and consumer
control reports on the attached host.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(nameCmd())
	rootCmd.AddCommand(peersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the appliance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runDevice(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	return cmd
}

func runDevice(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Device.LogLevel, cfg.Device.LogFormat)
	m := metrics.Default()

	if err := os.MkdirAll(cfg.Device.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := keystore.Open(filepath.Join(cfg.Device.DataDir, "keystore.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	sink, err := hid.OpenGadget(hid.GadgetPaths{
		Keyboard: cfg.HID.KeyboardDevice,
		Mouse:    cfg.HID.MouseDevice,
		Consumer: cfg.HID.ConsumerDevice,
		System:   cfg.HID.SystemDevice,
	})
	if err != nil {
		return err
	}
	defer sink.Close()

	tx := hid.New(sink, logger, m, hid.Options{
		FastCharDelay: cfg.HID.FastCharDelay,
		SlowCharDelay: cfg.HID.SlowCharDelay,
		ReadyTimeout:  cfg.HID.ReadyTimeout,
	})

	var link gatt.Link
	bridge := gatt.NewBridge(logger)
	if cfg.Bridge.Enabled {
		if err := bridge.Start(cfg.Bridge.Address); err != nil {
			return err
		}
	}
	link = bridge

	core, err := device.New(device.Deps{
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		Store:       store,
		Session:     session.New(store, logger),
		Machine:     state.New(logger),
		Queue:       pipeline.New(cfg.Pipeline.QueueSize),
		Transmitter: tx,
		Link:        link,
	})
	if err != nil {
		return err
	}

	if cfg.Health.Enabled {
		hs := health.NewServer(logger, core, nil)
		if err := hs.Start(cfg.Health.Address); err != nil {
			return err
		}
		defer hs.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Button.Device != "" {
		src, err := button.Open(cfg.Button.Device, cfg.Button.HoldThreshold, logger)
		if err != nil {
			return err
		}
		defer src.Close()

		events := make(chan device.ButtonEvent, 4)
		go func() {
			defer close(events)
			for e := range src.Events() {
				switch e {
				case button.Click:
					events <- device.ButtonClick
				case button.Hold:
					events <- device.ButtonHold
				}
			}
		}()
		go src.Run(ctx)
		core.SetButtonSource(events)
	}

	logger.Info("appliance starting",
		"version", sysinfo.Version,
		"name", core.AdvertisedName())
	return core.Run(ctx)
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := wizard.Run()
			if err != nil {
				return err
			}
			fmt.Printf("Start the appliance with: toothpaste run -c %s\n", result.ConfigPath)
			return nil
		},
	}
}

func nameCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "name [new-name]",
		Short: "Show or set the advertised device name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				name, err := store.DeviceName()
				if err != nil {
					return err
				}
				if name == "" {
					name = gatt.DefaultDeviceName + " (default)"
				}
				fmt.Println(name)
				return nil
			}

			if err := store.SetDeviceName(args[0]); err != nil {
				return err
			}
			fmt.Printf("Device name set to %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	return cmd
}

func peersCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List enrolled peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No peers enrolled.")
				return nil
			}

			fmt.Printf("%-14s %s\n", "FINGERPRINT", "ENROLLED")
			for _, e := range entries {
				fmt.Printf("%-14s %s\n", e.Fingerprint, humanize.Time(e.CreatedAt))
			}
			fmt.Printf("\n%d of %d slots used\n", len(entries), keystore.MaxEnrollments)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	return cmd
}

func openStore(configPath string) (*keystore.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return keystore.Open(filepath.Join(cfg.Device.DataDir, "keystore.db"))
}
