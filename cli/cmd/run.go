package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/assay/api"
	"github.com/pithecene-io/assay/cli/config"
	"github.com/pithecene-io/assay/cli/render"
	"github.com/pithecene-io/assay/cli/tui"
	"github.com/pithecene-io/assay/iox"
	"github.com/pithecene-io/assay/log"
	"github.com/pithecene-io/assay/metrics"
	"github.com/pithecene-io/assay/pipeline"
	"github.com/pithecene-io/assay/trace"
	"github.com/pithecene-io/assay/types"
)

// RunCommand returns the run command.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute an analysis run against the backend",
		Flags: []cli.Flag{
			ConfigFlag,
			BackendFlag,
			FormatFlag,
			&cli.StringFlag{
				Name:  "file",
				Usage: "Source file to analyze",
			},
			&cli.BoolFlag{
				Name:  "sample",
				Usage: "Analyze the built-in sample dataset",
			},
			&cli.BoolFlag{
				Name:  "auto-approve",
				Usage: "Approve remediation proposals without prompting",
			},
			&cli.BoolFlag{
				Name:  "auto-reject",
				Usage: "Reject remediation proposals without prompting",
			},
			&cli.StringFlag{
				Name:  "trace",
				Usage: "Capture ledger records to this trace file",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Run the interactive workbench",
			},
		},
		Action: runAction,
	}
}

// RunSummary is the terminal output of a headless run.
type RunSummary struct {
	RunID     string             `json:"run_id"`
	State     types.RunState     `json:"state"`
	Status    types.RunStatus    `json:"status"`
	Stages    []types.StageView  `json:"stages"`
	Evidence  types.EvidenceSummary `json:"evidence"`
	ReportID  string             `json:"report_id,omitempty"`
	Failed    string             `json:"failed_stage,omitempty"`
	Message   string             `json:"message,omitempty"`
	ToolCalls int                `json:"tool_calls"`
}

func runAction(c *cli.Context) error {
	if c.Bool("auto-approve") && c.Bool("auto-reject") {
		return cli.Exit("--auto-approve and --auto-reject are mutually exclusive", 1)
	}
	if c.String("file") == "" && !c.Bool("sample") && !c.Bool("tui") {
		return cli.Exit("either --file or --sample is required", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	url, err := backendURL(c, cfg)
	if err != nil {
		return err
	}

	bus, err := buildAdapter(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if bus != nil {
		defer iox.DiscardClose(bus)
	}

	logger := log.NewLogger("", "cli")
	if c.Bool("tui") {
		// The workbench owns the terminal.
		logger = log.Nop()
	}
	collector := metrics.NewCollector("", sourceName(c), url)

	orcCfg := pipeline.Config{
		Backend:      api.NewClient(url),
		Adapter:      bus,
		Metrics:      collector,
		Logger:       logger,
		PaceInterval: cfg.Pacing.Interval.Duration,
		PaceSlice:    cfg.Pacing.Slice,
	}

	tracePath := c.String("trace")
	if tracePath == "" {
		tracePath = cfg.Trace.Path
	}
	var capture *trace.InstrumentedWriter
	if tracePath != "" {
		w, err := trace.OpenFile(tracePath)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		capture = trace.NewInstrumentedWriter(w, collector)
		defer iox.DiscardClose(capture)
		orcCfg.Observer = capture.Observer(logger)
	}

	orc := pipeline.New(orcCfg)

	if c.Bool("tui") {
		if err := tui.Run(orc); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		return nil
	}

	if err := startRun(c, orc); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	snap, err := driveRun(c, orc)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if tracePath != "" && cfg.Trace.Archive.Bucket != "" {
		archive(c.Context, cfg, logger, orc.RunID(), tracePath)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if err := r.Render(summarize(snap)); err != nil {
		return err
	}

	if snap.State == types.RunStateError {
		if se, ok := types.AsStageError(snap.Err); ok {
			return cli.Exit(se.Error(), 1)
		}
		return cli.Exit("", 1)
	}
	return nil
}

func sourceName(c *cli.Context) string {
	if file := c.String("file"); file != "" {
		return filepath.Base(file)
	}
	return pipeline.SampleFileName
}

func startRun(c *cli.Context, orc *pipeline.Orchestrator) error {
	if c.Bool("sample") {
		return orc.StartWithSample()
	}
	path := c.String("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	return orc.StartUpload(filepath.Base(path), data)
}

// driveRun waits for the run to reach a terminal state, resolving the
// human-decision gate from flags or an interactive prompt.
func driveRun(c *cli.Context, orc *pipeline.Orchestrator) (pipeline.Snapshot, error) {
	snaps := make(chan pipeline.Snapshot, 256)
	orc.Subscribe(func(snap pipeline.Snapshot) {
		// Drop under backpressure; the poll below re-reads current state.
		select {
		case snaps <- snap:
		default:
		}
	})

	decided := false
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		var snap pipeline.Snapshot
		select {
		case snap = <-snaps:
		case <-poll.C:
			snap = orc.Snapshot()
		case <-c.Context.Done():
			orc.Cancel()
			return orc.Snapshot(), c.Context.Err()
		}

		if snap.State.IsTerminal() {
			return snap, nil
		}
		if snap.State == types.RunStateNeedsUser && !decided {
			decided = true
			if err := decide(c, orc, snap); err != nil {
				return snap, err
			}
		}
	}
}

// decide resolves the approval gate from flags, falling back to a prompt.
func decide(c *cli.Context, orc *pipeline.Orchestrator, snap pipeline.Snapshot) error {
	if c.Bool("auto-approve") {
		return orc.Approve()
	}
	if c.Bool("auto-reject") {
		return orc.Reject()
	}

	p := snap.Proposal
	if p != nil {
		fmt.Fprintf(os.Stderr, "remediation proposed: impute %q with %s (%d missing, %.1f%%)\n",
			p.Column, p.Strategy, p.MissingCount, p.MissingPercent)
	}
	fmt.Fprint(os.Stderr, "approve, reject, or edit <value>? [a/r/e <value>]: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read decision: %w", err)
	}
	line = strings.TrimSpace(line)

	switch {
	case line == "a" || line == "approve":
		return orc.Approve()
	case line == "r" || line == "reject":
		return orc.Reject()
	case strings.HasPrefix(line, "e "):
		return orc.EditAndResume(strings.TrimSpace(strings.TrimPrefix(line, "e ")))
	default:
		return orc.Reject()
	}
}

func summarize(snap pipeline.Snapshot) RunSummary {
	return RunSummary{
		RunID:     snap.RunID,
		State:     snap.State,
		Status:    snap.Status(),
		Stages:    snap.StageViews(),
		Evidence:  snap.Evidence(),
		ReportID:  snap.ReportID,
		Failed:    string(snap.FailedStage),
		Message:   snap.FailedMessage,
		ToolCalls: len(snap.ToolCalls),
	}
}

// archive uploads the finished capture file. Failures are logged, never
// fatal for the run.
func archive(ctx context.Context, cfg *config.Config, logger *log.Logger, runID, path string) {
	archiver, err := trace.NewArchiver(ctx, trace.S3Config{
		Bucket:       cfg.Trace.Archive.Bucket,
		Prefix:       cfg.Trace.Archive.Prefix,
		Region:       cfg.Trace.Archive.Region,
		Endpoint:     cfg.Trace.Archive.Endpoint,
		UsePathStyle: cfg.Trace.Archive.S3PathStyle,
	})
	if err != nil {
		logger.Warn("trace archive setup failed", map[string]any{"error": err.Error()})
		return
	}
	key, err := archiver.Archive(ctx, runID, path)
	if err != nil {
		logger.Warn("trace archive upload failed", map[string]any{"error": err.Error()})
		return
	}
	logger.Info("trace archived", map[string]any{"key": key})
}
