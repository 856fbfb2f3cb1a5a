package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/assay/api"
	"github.com/pithecene-io/assay/iox"
	"github.com/pithecene-io/assay/log"
	"github.com/pithecene-io/assay/stream"
	"github.com/pithecene-io/assay/types"
)

// AskCommand returns the ask command: one streamed chat turn against an
// existing session, with the answer paced to the terminal.
func AskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a follow-up question against an existing session",
		ArgsUsage: "<question>",
		Flags: []cli.Flag{
			ConfigFlag,
			BackendFlag,
			&cli.Int64Flag{
				Name:  "session",
				Usage: "Session id to continue (0 starts a new session)",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Source id to scope the question to",
			},
			&cli.BoolFlag{
				Name:  "thoughts",
				Usage: "Print thought steps to stderr as they arrive",
			},
		},
		Action: askAction,
	}
}

func askAction(c *cli.Context) error {
	question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if question == "" {
		return cli.Exit("a question is required", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	url, err := backendURL(c, cfg)
	if err != nil {
		return err
	}

	client := api.NewClient(url)
	req := api.ChatRequest{Question: question}
	if sid := c.Int64("session"); sid != 0 {
		req.SessionID = &sid
	}
	if src := c.String("source"); src != "" {
		req.SourceID = &src
	}
	if cfg.Backend.Model != "" {
		model := cfg.Backend.Model
		req.ModelID = &model
	}

	body, err := client.ChatStream(c.Context, req)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer iox.DiscardClose(body)

	// Print only the suffix each time the paced display advances.
	printed := 0
	rec := stream.New(stream.Config{
		Interval:  cfg.Pacing.Interval.Duration,
		SliceSize: cfg.Pacing.Slice,
		Logger:    log.NewLogger("", "ask"),
		OnDisplay: func(display string) {
			runes := []rune(display)
			if len(runes) < printed {
				// Reconciliation reset; reprint from scratch.
				fmt.Fprint(os.Stdout, "\n---\n")
				printed = 0
			}
			fmt.Fprint(os.Stdout, string(runes[printed:]))
			printed = len(runes)
		},
		OnThought: func(steps []types.ThoughtStep) {
			if !c.Bool("thoughts") || len(steps) == 0 {
				return
			}
			step := steps[len(steps)-1]
			fmt.Fprintf(os.Stderr, "· %s: %s\n", step.Phase, step.Message)
		},
		OnFinal: func(final stream.Final) {
			fmt.Fprintln(os.Stdout)
			if final.SessionID != 0 {
				fmt.Fprintf(os.Stderr, "session: %d\n", final.SessionID)
			}
		},
	})

	if err := rec.Consume(c.Context, body); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
