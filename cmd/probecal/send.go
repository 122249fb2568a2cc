package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marlinkit/probecal/config"
	"github.com/marlinkit/probecal/gcode"
	"github.com/marlinkit/probecal/marlin"
)

// NewSendCommand returns the send command.
func NewSendCommand() *cobra.Command {
	var (
		device string
		baud   int
		file   string
	)

	cmd := &cobra.Command{
		Use:   "send [command ...]",
		Short: "Send G-code to the machine and print each response",
		Long: `Send transmits G-code one command at a time, waiting for the ok
acknowledgment before moving on. Commands come from the arguments,
from a file with --file, or from an interactive prompt.`,
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

			conn, err := openConn(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx := context.Background()

			if file != "" {
				return sendFile(ctx, conn, cfg, file)
			}
			if len(args) > 0 {
				for _, line := range args {
					if err := sendLine(ctx, conn, cfg, line); err != nil {
						return err
					}
				}
				return nil
			}
			return sendPrompt(ctx, conn, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&device, "port", "p", "/dev/ttyACM0", "serial device or ws:// bridge URL")
	f.IntVarP(&baud, "baud", "b", 115200, "serial baud rate")
	f.StringVarP(&file, "file", "f", "", "stream a G-code file instead of reading commands")

	return cmd
}

func sendLine(ctx context.Context, conn *marlin.Conn, cfg *config.Config, line string) error {
	resp, err := conn.Send(ctx, line, cfg.Timeout.Long)
	if err != nil {
		return fmt.Errorf("failed to send %q: %v", line, err)
	}
	for _, ln := range resp.Lines {
		fmt.Println(ln)
	}
	return nil
}

// sendFile streams a file through the G-code parser, so comments and
// blank lines drop out and malformed lines stop the stream before
// anything after them reaches the machine.
func sendFile(ctx context.Context, conn *marlin.Conn, cfg *config.Config, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", name, err)
	}
	defer f.Close()

	parse := gcode.NewParser(f)
	for {
		block, err := parse.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to parse %s: %v", name, err)
		}
		if err := sendLine(ctx, conn, cfg, block.String()); err != nil {
			return err
		}
	}
}

func sendPrompt(ctx context.Context, conn *marlin.Conn, cfg *config.Config) error {
	scan := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scan.Scan() {
			fmt.Println()
			return scan.Err()
		}

		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		// Keep the prompt alive on a bad command; a timeout on a
		// mistyped M-code should not end the session.
		if err := sendLine(ctx, conn, cfg, line); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
