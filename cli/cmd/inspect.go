package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/assay/cli/render"
	"github.com/pithecene-io/assay/iox"
	"github.com/pithecene-io/assay/trace"
	"github.com/pithecene-io/assay/types"
)

// InspectCommand returns the inspect command: decode and render a trace
// capture file.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Decode and render a trace capture file",
		ArgsUsage: "<capture-file>",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "filter",
				Usage: "Tool-call filter: all, errors, latest",
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Record kind: tool_call, milestone, raw_log (default all)",
			},
		),
		Action: inspectAction,
	}
}

// InspectRow is one flattened trace record for rendering.
type InspectRow struct {
	Kind    string    `json:"kind"`
	Ts      time.Time `json:"ts"`
	RunID   string    `json:"run_id,omitempty"`
	Name    string    `json:"name"`
	Status  string    `json:"status,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	IsError bool      `json:"is_error,omitempty"`
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one capture file is required", 1)
	}

	filter, err := render.ParseToolCallFilter(c.String("filter"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	kind := c.String("kind")

	reader, err := trace.OpenReader(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer iox.DiscardClose(reader)

	records, err := reader.ReadAll()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(flatten(records, kind, filter))
}

// flatten converts trace records to rows, applying the kind and
// tool-call filters. Insertion order is preserved.
func flatten(records []types.TraceRecord, kind string, filter render.ToolCallFilter) []InspectRow {
	var calls []types.ToolCallEntry
	callRecords := make(map[string]types.TraceRecord)
	var rows []InspectRow

	for _, rec := range records {
		if kind != "" && rec.Kind != kind {
			continue
		}
		switch rec.Kind {
		case types.TraceKindToolCall:
			if rec.ToolCall == nil {
				continue
			}
			// Terminal records supersede the running record for the
			// same entry; keep the latest.
			callRecords[rec.ToolCall.ID] = rec
		case types.TraceKindMilestone:
			if rec.Milestone == nil {
				continue
			}
			rows = append(rows, InspectRow{
				Kind:   rec.Kind,
				Ts:     rec.Ts,
				RunID:  rec.RunID,
				Name:   rec.Milestone.Title,
				Status: string(rec.Milestone.Status),
				Detail: rec.Milestone.Subtext,
			})
		case types.TraceKindRawLog:
			if rec.RawLog == nil {
				continue
			}
			rows = append(rows, InspectRow{
				Kind:    rec.Kind,
				Ts:      rec.Ts,
				RunID:   rec.RunID,
				Name:    rec.RawLog.Label,
				Detail:  rec.RawLog.Payload,
				IsError: rec.RawLog.IsError,
			})
		}
	}

	// Rebuild tool-call insertion order from first appearance.
	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.Kind != types.TraceKindToolCall || rec.ToolCall == nil || seen[rec.ToolCall.ID] {
			continue
		}
		seen[rec.ToolCall.ID] = true
		if latest, ok := callRecords[rec.ToolCall.ID]; ok {
			calls = append(calls, *latest.ToolCall)
		}
	}

	for _, call := range render.FilterToolCalls(calls, filter) {
		rows = append(rows, InspectRow{
			Kind:    types.TraceKindToolCall,
			Ts:      call.StartedAt,
			Name:    call.Name,
			Status:  string(call.Status),
			Detail:  call.Result,
			IsError: call.Status == types.ToolCallFailed,
		})
	}
	return rows
}
