package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/marlinkit/probecal/config"
	"github.com/marlinkit/probecal/printer"
)

// NewCalibrateCommand returns the calibrate command.
func NewCalibrateCommand() *cobra.Command {
	var (
		device     string
		baud       int
		bedTemp    float64
		reps       int
		skipHoming bool
		disableBed bool
		runMesh    bool
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Measure the probe's trigger height and store the Z offset",
		Long: `Calibrate homes the machine, heats the bed, and walks the probe down
onto the bed center in two passes: a coarse descent to find the
neighborhood of the trigger height, then repeated fine descents to
measure it. The averaged result is written to the firmware with M851
and saved with M500.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %v", err)
			}

			f := cmd.Flags()
			if f.Changed("port") {
				cfg.Port.Device = device
			}
			if f.Changed("baud") {
				cfg.Port.Baud = baud
			}
			if f.Changed("bed-temp") {
				cfg.Bed.TargetTemp = bedTemp
			}
			if f.Changed("repetitions") {
				cfg.Probe.Repetitions = reps
			}
			if f.Changed("skip-homing") {
				cfg.Probe.SkipHoming = skipHoming
			}
			if f.Changed("disable-bed") {
				cfg.Bed.DisableAfter = disableBed
			}
			if f.Changed("run-mesh") {
				cfg.Mesh.RunAfter = runMesh
			}
			if f.Changed("listen") {
				cfg.Monitor.Listen = listen
			}

			return runCalibrate(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&device, "port", "p", "/dev/ttyACM0", "serial device or ws:// bridge URL")
	f.IntVarP(&baud, "baud", "b", 115200, "serial baud rate")
	f.Float64VarP(&bedTemp, "bed-temp", "t", 65, "bed soak temperature in C, 0 skips heating")
	f.IntVarP(&reps, "repetitions", "r", 3, "number of fine probe runs to average")
	f.BoolVar(&skipHoming, "skip-homing", false, "assume the machine is already homed")
	f.BoolVar(&disableBed, "disable-bed", false, "turn the bed heater off after calibrating")
	f.BoolVar(&runMesh, "run-mesh", false, "repopulate the bed mesh after storing the offset")
	f.StringVar(&listen, "listen", "", "serve the status API on this address while calibrating")

	return cmd
}

func runCalibrate(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := openConn(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	p := printer.New(conn, cfg)

	if cfg.Monitor.Listen != "" {
		a := newAPI(p)
		go func() {
			logrus.WithField("addr", cfg.Monitor.Listen).Info("status api listening")
			if err := http.ListenAndServe(cfg.Monitor.Listen, a); err != nil {
				logrus.WithError(err).Error("status api")
			}
		}()
	}

	offset, err := p.Calibrate(ctx)
	if err != nil {
		return fmt.Errorf("calibration failed: %v", err)
	}

	bold := color.New(color.Bold)
	st := p.Current()

	fmt.Println()
	for i, s := range st.Samples {
		fmt.Printf("  run %d trigger height: %s\n", i+1, bold.Sprintf("%.3f", s))
	}
	fmt.Printf("\n%s stored probe Z offset %s\n",
		color.New(color.Bold, color.FgGreen).Sprint("✔"),
		color.New(color.Bold, color.FgGreen).Sprintf("%.3f", offset))

	return nil
}
