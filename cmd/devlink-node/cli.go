package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

const (
	ConfigFlag  = "config"
	KindFlag    = "kind"
	AddrFlag    = "addr"
	MessageFlag = "message"
	TimeoutFlag = "timeout"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "devlink-node",
		Usage: "link devices on the local network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    ConfigFlag,
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
				EnvVars: []string{"DEVLINK_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Accept and dial links, answer pings until interrupted",
				Action: serve,
			},
			{
				Name:  "ping",
				Usage: "Connect to a device and wait for its ping reply",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: KindFlag, Value: "tcp", Usage: "transport kind: tcp|quic"},
					&cli.StringFlag{Name: AddrFlag, Required: true, Usage: "host:port of the remote device"},
					&cli.StringFlag{Name: MessageFlag, Value: "hello", Usage: "text carried by the ping"},
					&cli.DurationFlag{Name: TimeoutFlag, Value: 10 * time.Second, Usage: "connect and reply timeout"},
				},
				Action: ping,
			},
			{
				Name:   "selftest",
				Usage:  "Send pings over a loopback link in every wire format",
				Action: selftest,
			},
		},
	}
}
