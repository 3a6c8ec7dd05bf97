// Command livefeed replays a recorded live import against a server.
//
// A recording has one JSON object per line:
//
//	{"op": "init", "body": {...}}
//	{"op": "feed", "body": [...]}
//	{"op": "finish", "body": {"ts": 1704067400}}
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339Nano,
	})

	app := &cli.App{
		Name:      "livefeed",
		Usage:     "Replay a recorded live import",
		ArgsUsage: "RECORDING",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Live import server URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"LIVEFEED_SERVER"},
			},
			&cli.BoolFlag{
				Name:  "stream",
				Usage: "Send feed batches over the websocket stream",
			},
			&cli.DurationFlag{
				Name:  "delay",
				Usage: "Pause between steps",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			in := os.Stdin
			if path := c.Args().First(); path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			client := NewClient(c.String("server"), logger)
			runID, err := client.Replay(c.Context, in, c.Bool("stream"), c.Duration("delay"))
			if err != nil {
				return err
			}
			logger.Info().Int64("run_id", runID).Msg("replay done")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal().Err(err).Msg("replay failed")
	}
}
