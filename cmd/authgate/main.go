//
//  Copyright © Maatini. All rights reserved.
//

package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/maatini/authgate/cmd/authgate/subcommands/check"
	"github.com/maatini/authgate/cmd/authgate/subcommands/serve"
	"github.com/maatini/authgate/cmd/authgate/version"
)

func main() {
	cmd := &cli.Command{
		Name:    "authgate",
		Usage:   "A co-located authorization gateway for a loopback backend",
		Version: version.GetVersion(),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the gateway: terminate inbound traffic, authorize, and forward to the backend",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Usage: "The TCP port to serve on. Overrides the configured server.port.",
					},
				},
				Action: serve.Execute,
			},
			{
				Name:  "check",
				Usage: "Compile the configured policy directory and exit non-zero on errors",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "dir",
						Aliases: []string{"d"},
						Usage:   "Policy directory to check instead of the configured one",
					},
				},
				Action: check.Execute,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
