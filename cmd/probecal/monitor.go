package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marlinkit/probecal/printer"
)

// NewMonitorCommand returns the monitor command.
func NewMonitorCommand() *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a running calibration session",
		Long: `Monitor polls the status API of a "calibrate --listen" session and
prints each phase change until the session finishes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(addr, interval)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&addr, "addr", "a", "localhost:9091", "address the calibrate session is listening on")
	f.DurationVar(&interval, "interval", time.Second, "poll interval")

	return cmd
}

func runMonitor(addr string, interval time.Duration) error {
	url := fmt.Sprintf("http://%s/api/status", addr)
	client := &http.Client{Timeout: 5 * time.Second}

	var last printer.Phase
	for {
		st, err := fetchStatus(client, url)
		if err != nil {
			return fmt.Errorf("failed to fetch status: %v", err)
		}

		if st.Phase != last {
			last = st.Phase
			line := fmt.Sprintf("%s  %s", time.Now().Format("15:04:05"), st.Phase)
			if len(st.Samples) > 0 {
				line += fmt.Sprintf("  samples %v", st.Samples)
			}
			fmt.Println(line)
		}

		switch st.Phase {
		case printer.PhaseDone:
			fmt.Printf("%s probe Z offset %s\n",
				color.GreenString("finished:"),
				color.New(color.Bold).Sprintf("%.3f", st.Offset))
			return nil
		case printer.PhaseAborted:
			return fmt.Errorf("calibration aborted: %s", color.RedString(st.Error))
		}

		time.Sleep(interval)
	}
}

func fetchStatus(client *http.Client, url string) (printer.Status, error) {
	var st printer.Status

	resp, err := client.Get(url)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("unexpected response %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, err
	}

	return st, nil
}
