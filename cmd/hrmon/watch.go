package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/phantom10111/heartrate/heart"
	"github.com/phantom10111/heartrate/internal/groutine"
	"github.com/phantom10111/heartrate/monitor"
	"github.com/phantom10111/heartrate/pkg/config"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live heart-rate measurements",
	Long: `Connect to a heart-rate strap and stream its measurements.

The monitor keeps retrying until a device is found, reconnects when the
data stream stalls and prints one line per measurement until interrupted.
Without --address (or device_address in the config) it connects to the
first heart-rate device discovered.`,
	RunE: runWatch,
}

var (
	watchConfigPath   string
	watchAddress      string
	watchStaleTimeout time.Duration
)

func init() {
	watchCmd.Flags().StringVarP(&watchConfigPath, "config", "c", "", "Path to a YAML config file")
	watchCmd.Flags().StringVarP(&watchAddress, "address", "a", "", "Device address to connect to (overrides the config)")
	watchCmd.Flags().DurationVar(&watchStaleTimeout, "stale-timeout", 0, "Reconnect when no data arrives for this long (overrides the config)")
	watchCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if watchConfigPath != "" {
		loaded, err := config.Load(watchConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if watchAddress != "" {
		cfg.DeviceAddress = watchAddress
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	staleTimeout := cfg.WatchdogTimeout()
	if watchStaleTimeout > 0 {
		staleTimeout = watchStaleTimeout
	}

	m := monitor.New(monitor.Options{
		Address:      cfg.DeviceAddress,
		ScanWindow:   cfg.ScanTimeout(),
		RetryBackoff: cfg.RetryBackoff(),
	}, logger)
	defer m.Dispose()

	watchdog := monitor.NewWatchdog(m, staleTimeout, cfg.WatchdogPoll(), logger)
	defer watchdog.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, shutting down...")
		cancel()
	}()

	// Connect in the background so failed attempts print as error lines
	// instead of blocking silently.
	runErrCh := make(chan error, 1)
	groutine.Go(ctx, "hr-monitor-run", func(ctx context.Context) {
		runErrCh <- m.Run(ctx)
	})
	watchdog.Start()

	return streamReadings(ctx, m.Readings(), runErrCh)
}

func streamReadings(ctx context.Context, readings <-chan heart.Reading, runErr <-chan error) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			// Connected. Measurements keep flowing below.
		case r := <-readings:
			printReading(r, green, yellow, red)
		}
	}
}

func printReading(r heart.Reading, green, yellow, red *color.Color) {
	timestamp := time.Now().Format("15:04:05")
	switch {
	case r.Err != nil:
		fmt.Printf("%s  %s\n", timestamp, red.Sprint(r.Err))
	case r.Contact == heart.ContactNone:
		fmt.Printf("%s  %s\n", timestamp, yellow.Sprint(r))
	default:
		fmt.Printf("%s  %s\n", timestamp, green.Sprint(r))
	}
}
