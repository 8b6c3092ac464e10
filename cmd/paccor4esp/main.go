package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/thomasgruebl/paccor4esp/internal/collect"
	"github.com/thomasgruebl/paccor4esp/internal/componentlist"
	"github.com/thomasgruebl/paccor4esp/internal/config"
	"github.com/thomasgruebl/paccor4esp/internal/detect"
	"github.com/thomasgruebl/paccor4esp/internal/fingerprint"
	"github.com/thomasgruebl/paccor4esp/internal/hardware"
	"github.com/thomasgruebl/paccor4esp/internal/serial"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "paccor4esp",
		Short: "Collect ESP32 platform identity for PACCOR certificates",
		Long: `paccor4esp reads device identity from an ESP32 or ESP32-C3 in ROM
download mode (MAC addresses, chip and flash IDs, partition, bootloader,
ELF and eFuse digests, GPIO state, NVS statistics), writes it as an
ESP-IDF style log and turns that log into a PACCOR component list.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger = config.NewLogger(cfg, os.Stderr)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Diagnostic log level (debug, info, warn, error)")

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect the device log",
		Long: `Connect to the device, run every diagnostic in order and write the
log stream. Collection stops at the first failure.

With --output the component list is generated from the same run.`,
		Args: cobra.NoArgs,
		RunE: runCollect,
	}
	addPortFlags(collectCmd)
	collectCmd.Flags().StringVar(&cfg.Target, "target", cfg.Target, "Chip target (esp32, esp32c3); detected if empty")
	collectCmd.Flags().StringVarP(&cfg.LogFile, "log-file", "l", cfg.LogFile, "Write the device log here instead of stdout")
	collectCmd.Flags().StringVarP(&cfg.OutputFile, "output", "o", cfg.OutputFile, "Also write the component list JSON here")
	collectCmd.Flags().StringVar(&cfg.PlatformManufacturer, "manufacturer", cfg.PlatformManufacturer, "Platform manufacturer string")
	collectCmd.Flags().BoolVar(&cfg.Reboot, "reboot", cfg.Reboot, "Reboot the device when done")

	listCompCmd := &cobra.Command{
		Use:   "componentlist <logfile>",
		Short: "Generate a PACCOR component list from a device log",
		Args:  cobra.ExactArgs(1),
		RunE:  runComponentList,
	}
	listCompCmd.Flags().StringVarP(&cfg.OutputFile, "output", "o", cfg.OutputFile, "Write JSON here instead of stdout")
	listCompCmd.Flags().StringVar(&cfg.PlatformManufacturer, "manufacturer", cfg.PlatformManufacturer, "Platform manufacturer string")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Detect and show information about connected ESP32 devices.",
		RunE:  runInfo,
	}
	addPortFlags(infoCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("paccor4esp %s\n", config.Version)
			fmt.Printf("  commit: %s\n", config.Commit)
			fmt.Printf("  built:  %s\n", config.Date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(collectCmd, listCompCmd, infoCmd, versionCmd, listCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func addPortFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&cfg.Port, "port", "p", cfg.Port, "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&cfg.BaudRate, "baud", "b", cfg.BaudRate, "Baud rate")
}

func resolvePort() (string, error) {
	if cfg.Port != "" {
		return cfg.Port, nil
	}
	logger.Info("detecting device")
	result, err := detect.DetectDevice(cfg.BaudRate)
	if err != nil {
		return "", fmt.Errorf("device detection failed: %w", err)
	}
	logger.Info("found device", "chip", result.ChipName, "port", result.Port)
	return result.Port, nil
}

// progress draws one bar per hashed region.
type progress struct {
	label string
	bar   *progressbar.ProgressBar
}

func (p *progress) update(label string, current, total int) {
	if p.bar == nil || label != p.label {
		p.finish()
		p.label = label
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Hashing "+label),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}
	p.bar.Set(current)
}

func (p *progress) finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

func createOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func runCollect(cmd *cobra.Command, args []string) error {
	portName, err := resolvePort()
	if err != nil {
		return err
	}

	session, err := detect.Open(portName, cfg.BaudRate, cfg.Target)
	if err != nil {
		return err
	}
	logger.Info("connected", "port", portName, "baud", cfg.BaudRate, "target", session.Device.Target())

	bar := &progress{}
	session.Device.Progress = bar.update

	out, err := createOutput(cfg.LogFile)
	if err != nil {
		session.Close(false)
		return err
	}

	var captured bytes.Buffer
	em := collect.NewEmitter(io.MultiWriter(out, &captured))
	snap, runErr := collect.Run(cmd.Context(), session.Device, em)
	bar.finish()

	if err := out.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if err := session.Close(cfg.Reboot); err != nil {
		logger.Warn("close failed", "err", err)
	}
	if runErr != nil {
		logger.Error("collection stopped", "err", runErr)
		return runErr
	}
	logger.Info("collection complete", "snapshot", snap.ID)

	if cfg.OutputFile == "" {
		return nil
	}
	return writeComponentList(captured.String(), cfg.OutputFile)
}

func writeComponentList(log, path string) error {
	data, err := componentlist.Generate(log, componentlist.Options{
		PlatformManufacturer: cfg.PlatformManufacturer,
	})
	if err != nil {
		return fmt.Errorf("failed to render component list: %w", err)
	}

	out, err := createOutput(path)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if path != "" {
		logger.Info("component list written", "path", path)
	}
	return nil
}

func runComponentList(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	log, err := decodeLog(raw)
	if err != nil {
		return fmt.Errorf("failed to decode log file: %w", err)
	}
	return writeComponentList(log, cfg.OutputFile)
}

func runInfo(cmd *cobra.Command, args []string) error {
	if cfg.Port != "" {
		session, err := detect.Open(cfg.Port, cfg.BaudRate, cfg.Target)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", cfg.Port, err)
		}
		defer session.Close(false)
		return printSessionInfo(cfg.Port, session.Device)
	}

	fmt.Println("Scanning for ESP32 devices...")
	devices, err := detect.ListDevices(cfg.BaudRate)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No ESP32 devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Chip:     %s\n", d.ChipName)
	if d.Bridge != "" {
		fmt.Printf("  Bridge:   %s\n", d.Bridge)
	}
}

func printSessionInfo(port string, dev *hardware.Device) error {
	chip, err := dev.ChipDescriptor()
	if err != nil {
		return err
	}
	mac, err := dev.RawMAC(hardware.MACBase)
	if err != nil {
		return err
	}
	flash, err := dev.FlashDescriptor()
	if err != nil {
		return err
	}

	fmt.Printf("  Port:     %s\n", port)
	fmt.Printf("  Chip:     %s rev v%d.%d, %d core(s)\n", dev.Target(), chip.MajorRevision(), chip.MinorRevision(), chip.Cores)
	fmt.Printf("  MAC:      %s\n", fingerprint.FormatMAC(mac))
	fmt.Printf("  Flash:    %d MB, id 0x%06X, manufacturer %d\n",
		flash.SizeBytes/(1024*1024), flash.ChipID, fingerprint.ManufacturerCode(flash.ChipID))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		switch {
		case p.Bridge() != "":
			fmt.Printf("  %s  (%s)\n", p.Name, p.Bridge())
		case p.IsUSB:
			fmt.Printf("  %s  (USB %s:%s)\n", p.Name, p.VID, p.PID)
		default:
			fmt.Printf("  %s\n", p.Name)
		}
	}

	return nil
}
