package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/skypro1111/stream-session-service/internal/config"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the viewer TCP server and the HTTP API",
		Description: `Start accepting viewer connections.

Examples:
  stream-session-service serve --config configs/config.yaml
  STREAM_SESSION_CONFIG=/etc/stream/config.yaml stream-session-service serve`,
		Action: func(c *cli.Context) error {
			return runServe(c.String("config"))
		},
	}
}

func checkConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "Validate the configuration file and print the effective values",
		Action: func(c *cli.Context) error {
			path := c.String("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			redacted := cfg.Redacted()
			fmt.Fprintf(c.App.Writer, "%s: OK\n", path)
			fmt.Fprintf(c.App.Writer, "  viewers:  %s:%d (max %d sessions)\n",
				redacted.Server.BindAddress, redacted.Server.TCPPort, redacted.Server.MaxSessions)
			fmt.Fprintf(c.App.Writer, "  http:     %s:%d (enabled=%t)\n",
				redacted.HTTP.Address, redacted.HTTP.Port, redacted.HTTP.Enabled)
			fmt.Fprintf(c.App.Writer, "  pools:    session=%d control=%d\n",
				redacted.Pools.SessionWorkers, redacted.Pools.ControlWorkers)
			fmt.Fprintf(c.App.Writer, "  session:  queue=%d soft=%d policy=%s heartbeat=%s timeout=%s\n",
				redacted.Session.FrameQueueCapacity, redacted.Session.SoftDropThreshold,
				redacted.Session.OverflowPolicy, redacted.Session.GetHeartbeatInterval(),
				redacted.Session.GetHeartbeatTimeout())
			fmt.Fprintf(c.App.Writer, "  encoder:  %dx%d@%dfps %dbps gop=%d audio=%t\n",
				redacted.Encoder.Width, redacted.Encoder.Height, redacted.Encoder.FPS,
				redacted.Encoder.Bitrate, redacted.Encoder.GOP, redacted.Encoder.AudioEnabled)
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "%s %s (commit %s)\n", serviceName, Version, Commit)
			return nil
		},
	}
}
