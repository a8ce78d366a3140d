package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/skypro1111/stream-session-service/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = server.ServiceName
)

// Set with -ldflags "-X main.Version=... -X main.Commit=..."
var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	server.Version = Version

	app := &cli.App{
		Name:    serviceName,
		Usage:   "Viewer session server for live video and audio streaming",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "Path to configuration file",
				EnvVars: []string{"STREAM_SESSION_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			checkConfigCommand(),
			versionCommand(),
		},
		Action: func(c *cli.Context) error {
			return runServe(c.String("config"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
