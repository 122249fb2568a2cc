package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/marlinkit/probecal/bedmesh"
	"github.com/marlinkit/probecal/config"
	"github.com/marlinkit/probecal/marlin"
)

// NewMeshCommand returns the mesh command.
func NewMeshCommand() *cobra.Command {
	var (
		device string
		baud   int
	)

	cmd := &cobra.Command{
		Use:   "mesh",
		Short: "Probe the bed with G29 and report its flatness",
		Long: `Mesh runs a verbose G29 sweep, collects the probed points, and
reports the bed's range, tilt, and center deviation. The firmware
must report each point (bilinear leveling with V4, or equivalent).`,
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

			return runMesh(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&device, "port", "p", "/dev/ttyACM0", "serial device or ws:// bridge URL")
	f.IntVarP(&baud, "baud", "b", 115200, "serial baud rate")

	return cmd
}

func runMesh(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := openConn(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := conn.Send(ctx, "G28", cfg.Timeout.Long)
	if err != nil {
		return fmt.Errorf("failed to home: %v", err)
	}

	resp, err = conn.Send(ctx, "G29 V4", cfg.Timeout.Long)
	if err != nil {
		return fmt.Errorf("failed to probe mesh: %v", err)
	}

	points := marlin.ParseMeshPoints(resp.Lines)
	if len(points) == 0 {
		return errors.New("no probed points in the G29 output, is verbose leveling enabled?")
	}

	rep, err := bedmesh.Analyze(points)
	if err != nil {
		return fmt.Errorf("failed to analyze mesh: %v", err)
	}

	rangeStr := color.New(color.Bold, color.FgGreen).Sprintf("%.3f", rep.Range)
	if rep.Range > 0.2 {
		rangeStr = color.New(color.Bold, color.FgRed).Sprintf("%.3f", rep.Range)
	}

	fmt.Printf("Probed points:    %d\n", rep.Points)
	fmt.Printf("Lowest:           %.3f at X%.1f Y%.1f\n", rep.Low.Z, rep.Low.X, rep.Low.Y)
	fmt.Printf("Highest:          %.3f at X%.1f Y%.1f\n", rep.High.Z, rep.High.X, rep.High.Y)
	fmt.Printf("Range:            %s\n", rangeStr)
	fmt.Printf("Tilt X / Y:       %+.3f / %+.3f\n", rep.TiltX, rep.TiltY)
	fmt.Printf("Center deviation: %+.3f\n", rep.CenterDeviation)

	return nil
}
