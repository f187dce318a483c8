package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/sync"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and connectivity status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			client, err := newClient(rootOpts)
			if err != nil {
				return f.Fail(err)
			}
			resp, err := client.Status(cmd.Context())
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(resp, func(w io.Writer) { printStatus(w, resp) })
		},
	}
}

func printStatus(w io.Writer, resp *StatusResponse) {
	st := resp.Status
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Online:\t%s\n", yesNo(st.IsOnline))
	fmt.Fprintf(tw, "Syncing:\t%s\n", yesNo(st.IsSyncing))
	fmt.Fprintf(tw, "Pending:\t%d\n", st.PendingItems)
	fmt.Fprintf(tw, "In flight:\t%d\n", st.SyncingItems)
	fmt.Fprintf(tw, "Failed:\t%d\n", st.FailedItems)
	fmt.Fprintf(tw, "Completed:\t%d\n", st.CompletedItems)
	fmt.Fprintf(tw, "Total:\t%d\n", st.TotalItems)
	fmt.Fprintf(tw, "Last sync:\t%s\n", formatTime(st.LastSyncAt))
	fmt.Fprintf(tw, "Next retry:\t%s\n", formatTime(st.NextRetryAt))
	if p := resp.LastPass; p != nil {
		fmt.Fprintf(tw, "Last pass:\t%s, %d attempted, %d completed, %d retrying, %d failed\n",
			p.Reason, p.Attempted, p.Completed, p.Retrying, p.Failed)
	}
	tw.Flush()
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list [id]",
		Short: "List queued items, or show one item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			client, err := newClient(rootOpts)
			if err != nil {
				return f.Fail(err)
			}

			if len(args) == 1 {
				item, err := client.Item(cmd.Context(), args[0])
				if err != nil {
					return f.Fail(err)
				}
				return f.Success(item, func(w io.Writer) { printItems(w, []*models.SyncItem{item}) })
			}

			resp, err := client.Items(cmd.Context(), models.ItemStatus(status))
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(resp, func(w io.Writer) {
				if resp.Total == 0 {
					fmt.Fprintln(w, "Queue is empty")
					return
				}
				printItems(w, resp.Items)
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (pending|syncing|completed|failed)")
	return cmd
}

func printItems(w io.Writer, items []*models.SyncItem) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tSTATUS\tACTION\tTARGET\tATTEMPTS\tLAST ERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			item.ID, item.Priority, item.Status, item.Action, item.Target,
			item.Attempt, item.AttemptLimit, item.LastError)
	}
	tw.Flush()
}

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	Kind         string
	Action       string
	Target       string
	Priority     string
	Payload      string
	AttemptLimit int
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a change for delivery",
		Long: `Queue a change for delivery to the remote service.

The payload is a JSON document given inline, as @file, or as - for stdin.`,
		Example: `  syncd enqueue --kind note --action create --target /notes --payload '{"title":"hi"}'
  syncd enqueue --kind note --action update --target /notes/42 --priority high --payload @note.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)

			payload, err := readPayload(opts.Payload, cmd.InOrStdin())
			if err != nil {
				return f.Fail(err)
			}
			client, err := newClient(rootOpts)
			if err != nil {
				return f.Fail(err)
			}

			id, err := client.Enqueue(cmd.Context(), sync.EnqueueRequest{
				Kind:         opts.Kind,
				Action:       models.Action(opts.Action),
				Target:       opts.Target,
				Priority:     models.Priority(opts.Priority),
				Payload:      payload,
				AttemptLimit: opts.AttemptLimit,
			})
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(map[string]interface{}{"id": id}, func(w io.Writer) {
				fmt.Fprintf(w, "Queued %s\n", id)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Kind, "kind", "k", "", "entity kind (required)")
	cmd.Flags().StringVarP(&opts.Action, "action", "a", "", "create|update|delete (required)")
	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "remote path (required)")
	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", "medium", "high|medium|low")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload, @file or - for stdin")
	cmd.Flags().IntVar(&opts.AttemptLimit, "attempt-limit", 0, "attempts before the item fails (0 uses store.attempt_limit)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

// readPayload resolves the --payload flag. An empty value yields nil.
func readPayload(value string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case value == "":
		return nil, nil
	case value == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "read payload from stdin", err)
		}
		data = b
	case strings.HasPrefix(value, "@"):
		b, err := os.ReadFile(value[1:])
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "read payload file", err)
		}
		data = b
	default:
		data = []byte(value)
	}

	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, NewExitError(ExitCommandError, "payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset failed items so they are retried",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			client, err := newClient(rootOpts)
			if err != nil {
				return f.Fail(err)
			}
			n, err := client.RetryFailed(cmd.Context())
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(map[string]interface{}{"reset": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Reset %d failed item(s)\n", n)
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue now",
		Long:  "Run a drain pass now. Fails with SYNC_OFFLINE when the daemon sees no connectivity.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			client, err := newClient(rootOpts)
			if err != nil {
				return f.Fail(err)
			}
			resp, err := client.SyncNow(cmd.Context())
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(resp, func(w io.Writer) {
				if resp.Coalesced {
					fmt.Fprintln(w, "A pass is already running; it will pick up pending items")
					return
				}
				p := resp.Pass
				fmt.Fprintf(w, "Pass finished in %s: %d attempted, %d completed, %d conflicts, %d retrying, %d failed\n",
					p.Duration.Round(time.Millisecond), p.Attempted, p.Completed, p.Conflicts, p.Retrying, p.Failed)
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued item",
		Long:  "Discard every queued item, all retry state and the pending telemetry batch. Requires --yes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			if !yes {
				return f.Fail(NewExitError(ExitCommandError, "refusing to clear the queue without --yes"))
			}
			client, err := newClient(rootOpts)
			if err != nil {
				return f.Fail(err)
			}
			n, err := client.Clear(cmd.Context())
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(map[string]interface{}{"removed": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d item(s)\n", n)
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		itemID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recorded conflict resolutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			client, err := newClient(rootOpts)
			if err != nil {
				return f.Fail(err)
			}
			resp, err := client.Conflicts(cmd.Context(), itemID, limit)
			if err != nil {
				return f.Fail(err)
			}
			return f.Success(resp, func(w io.Writer) {
				if resp.Total == 0 {
					fmt.Fprintln(w, "No conflicts recorded")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "DETECTED\tITEM\tTARGET\tSTRATEGY")
				for _, c := range resp.Conflicts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						c.DetectedAtTime().Format(time.RFC3339), c.ItemID, c.Target, c.Strategy)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&itemID, "item", "", "only conflicts for this item")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum records")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
