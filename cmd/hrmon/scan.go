package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/phantom10111/heartrate/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for heart-rate devices",
	Long: `Scan for Bluetooth Low Energy devices advertising the heart-rate service
and display their addresses, names, signal strength and advertised services.

The addresses shown here go into the watch command's --address flag or the
device_address config key.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanAddress     string
	scanNoDuplicate bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanAddress, "address", "a", "", "Stop as soon as this device address is seen")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	// Configure logger based on --log-level and --verbose flags
	logger, err := configureLogger(cmd, "panic")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	opts := scanner.DefaultOptions()
	opts.Window = scanDuration
	opts.Address = scanAddress
	opts.DuplicateFilter = scanNoDuplicate

	s := scanner.New(logger)
	candidates, err := s.Scan(ctx, opts)
	if err != nil {
		logger.WithError(err).Error("scan failed")
		return err
	}

	return displayCandidatesTable(candidates)
}

func displayCandidatesTable(candidates []scanner.Candidate) error {
	if len(candidates) == 0 {
		fmt.Println("No heart-rate devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSERVICES")
	fmt.Fprintln(w, strings.Repeat("-", 60))

	for _, c := range candidates {
		name := c.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(c.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", c.Address, name, c.RSSI, services)
	}

	return w.Flush()
}
