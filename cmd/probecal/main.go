package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marlinkit/probecal/config"
	"github.com/marlinkit/probecal/marlin"
)

var (
	logLevel   string
	configFile string
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)

	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

// NewCommand returns the root probecal command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probecal",
		Short: "probecal measures and stores the Z offset of a Marlin bed probe",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger()
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVarP(&configFile, "config", "c", "", "config file (default searches ., $HOME/.probecal, /etc/probecal)")

	cmd.AddCommand(
		NewCalibrateCommand(),
		NewMeshCommand(),
		NewMonitorCommand(),
		NewSendCommand(),
	)

	return cmd
}

// openConn connects to the machine named in cfg, over a serial
// device or a websocket bridge depending on the address form.
func openConn(cfg *config.Config) (*marlin.Conn, error) {
	var (
		port marlin.Port
		err  error
	)
	if marlin.IsBridgeURL(cfg.Port.Device) {
		port, err = marlin.DialBridge(cfg.Port.Device)
	} else {
		port, err = marlin.OpenSerial(cfg.Port.Device, cfg.Port.Baud)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", cfg.Port.Device, err)
	}

	return marlin.NewConn(port), nil
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
