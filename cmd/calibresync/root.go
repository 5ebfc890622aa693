package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	calibresync "github.com/crosspoint-reader/calibresync"
	"github.com/crosspoint-reader/calibresync/device"
	"github.com/crosspoint-reader/calibresync/display"
	"github.com/crosspoint-reader/calibresync/storage"
)

var (
	libraryDir string
	deviceName string
	udpPort    int
	withMDNS   bool
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "calibresync",
	Short: "Receive books from calibre over the local network",
	Long: `calibresync listens for a calibre desktop on the local network,
connects to its wireless device server, and receives EPUB books into a
library directory. It speaks the calibre smart device protocol, so the
desktop sees it as a connected wireless reader.

Discovery broadcasts on the standard calibre UDP ports and optionally
browses mDNS for the _calibresmartdeviceapp._tcp service. Press Ctrl-C
to disconnect and exit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&libraryDir, "library", "l", "library", "directory to store received books in")
	rootCmd.Flags().StringVarP(&deviceName, "name", "n", device.DefaultName, "device name shown in calibre")
	rootCmd.Flags().IntVar(&udpPort, "udp-port", 0, "local UDP port for discovery replies (0 uses the calibre default)")
	rootCmd.Flags().BoolVar(&withMDNS, "mdns", true, "also browse mDNS for the calibre wireless service")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logrus.SetOutput(os.Stderr)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the calibresync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("calibresync %s\n", device.Version)
	},
}

func run(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(libraryDir, 0o755); err != nil {
		return fmt.Errorf("create library directory: %w", err)
	}
	store, err := storage.NewOSStorage(libraryDir)
	if err != nil {
		return fmt.Errorf("open library directory: %w", err)
	}

	cfg := calibresync.DefaultConfig()
	cfg.DeviceName = deviceName
	cfg.EnableMDNS = withMDNS
	if udpPort > 0 {
		cfg.LocalUDPPort = udpPort
	}

	activity := calibresync.NewActivity(cfg, store, display.NewTerminal(os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := activity.Run(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
