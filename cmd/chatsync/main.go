package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const (
	version = "0.1.0"
)

func main() {
	// Optional; CHATSYNC_ variables may come from a local .env file.
	_ = godotenv.Load(".env")

	app := &cli.App{
		Name:    "chatsync",
		Usage:   "Terminal chat client on the realtime sync engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "chatsync.toml",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			configCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
