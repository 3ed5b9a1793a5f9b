package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/labstock/reagentd/internal/stockcount"
	stockcounthttp "github.com/labstock/reagentd/internal/stockcount/http"
)

type runFlags struct {
	file  string
	draft string
	user  string
	sync  bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a stock count",
		Long: `Submit a stock count read from a JSON file ("-" for stdin).

The file holds {"counted_entries_by_item": {"<item id>": [{"batch_label": "...",
"expiry_date": "YYYY-MM-DD", "quantity": "..."}]}}. Items left out of the
file are counted as empty.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRunRequest(cmd.InOrStdin(), flags)
			if err != nil {
				return report(&OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()}, err)
			}
			return withEnv(cmd, rootOpts, connect, func(s session) error {
				if !flags.sync {
					info, err := s.env.Queue.EnqueueRun(s.ctx, req)
					if err != nil {
						return err
					}
					return s.out.Success(newTaskOutput(info))
				}
				s.out.VerboseLog("running count inline for %d item(s) with entries", len(req.EntriesByItem))
				result, err := s.env.Service.RunCount(s.ctx, req)
				return finishRun(s.out, result, err)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "count entries file (JSON, - for stdin)")
	cmd.Flags().StringVar(&flags.draft, "draft", "", "draft id, rejected if already submitted")
	cmd.Flags().StringVar(&flags.user, "user", "", "acting user id")
	cmd.Flags().BoolVar(&flags.sync, "sync", false, "run in this process instead of queueing")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readRunRequest(stdin io.Reader, flags *runFlags) (stockcount.RunCountRequest, error) {
	var r io.Reader = stdin
	if flags.file != "-" {
		f, err := os.Open(flags.file)
		if err != nil {
			return stockcount.RunCountRequest{}, WrapExitError(ExitCommandError, "open entries file", err)
		}
		defer f.Close()
		r = f
	}
	var req stockcount.RunCountRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return stockcount.RunCountRequest{}, WrapExitError(ExitCommandError, "decode entries file", err)
	}
	if flags.draft != "" {
		req.DraftID = flags.draft
	}
	if flags.user != "" {
		req.UserID = flags.user
	}
	if strings.TrimSpace(req.UserID) == "" {
		return stockcount.RunCountRequest{}, NewExitError(ExitCommandError, "a user id is required (--user or user_id in the file)")
	}
	return req, nil
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	var (
		user string
		sync bool
	)
	cmd := &cobra.Command{
		Use:           "retry <completed-count-id>",
		Short:         "Re-run a completed count from its snapshots",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := stockcount.RetryRequest{CompletedCountID: args[0], UserID: user}
			return withEnv(cmd, rootOpts, connect, func(s session) error {
				if !sync {
					if _, err := s.env.Service.GetCount(s.ctx, req.CompletedCountID); err != nil {
						return err
					}
					info, err := s.env.Queue.EnqueueRetry(s.ctx, req)
					if err != nil {
						return err
					}
					return s.out.Success(newTaskOutput(info))
				}
				result, err := s.env.Service.Retry(s.ctx, req)
				return finishRun(s.out, result, err)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "acting user id")
	cmd.Flags().BoolVar(&sync, "sync", false, "run in this process instead of queueing")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:           "show <completed-count-id>",
		Short:         "Show a completed count",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, connect, func(s session) error {
				count, err := s.env.Service.GetCount(s.ctx, args[0])
				if err != nil {
					return err
				}
				return s.out.Success(countOutput{stockcounthttp.NewCountView(count)})
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List recent completed counts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, connect, func(s session) error {
				counts, err := s.env.Service.ListCounts(s.ctx, limit)
				if err != nil {
					return err
				}
				views := make(countList, 0, len(counts))
				for _, c := range counts {
					views = append(views, stockcounthttp.NewCountView(c))
				}
				return s.out.Success(views)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of counts to list")
	return cmd
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:           "queue",
		Short:         "Inspect the count job queue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, connect, func(s session) error {
				stats, err := s.env.Queue.InspectQueue(s.ctx)
				if err != nil {
					return err
				}
				out := queueOutput{QueueStats: stats}
				if retries > 0 {
					infos, err := s.env.Queue.ListRetry(s.ctx, retries)
					if err != nil {
						return err
					}
					for _, info := range infos {
						out.Retrying = append(out.Retrying, newTaskOutput(info))
					}
				}
				return s.out.Success(out)
			})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "also list up to N tasks waiting for retry")
	return cmd
}

// NewPruneKeysCommand creates the prune-keys command.
func NewPruneKeysCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:           "prune-keys",
		Short:         "Delete draft submission keys older than a cutoff",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return report(&OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()},
					NewExitError(ExitCommandError, "--older-than must be positive"))
			}
			return withEnv(cmd, rootOpts, connect, func(s session) error {
				n, err := s.env.Keys.Cleanup(s.ctx, olderThan)
				if err != nil {
					return err
				}
				return s.out.Success(pruneOutput{Deleted: n})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum key age")
	return cmd
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the database schema",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, connect, func(s session) error {
				if err := s.env.Migrator.Migrate(s.ctx); err != nil {
					return err
				}
				return s.out.Success("schema applied")
			})
		},
	}
}

// finishRun prints a run or retry result. A result that is not a success
// exits with ExitFailure after printing.
func finishRun(out *OutputFormatter, result stockcount.RunResult, err error) error {
	if err != nil {
		if result.CompletedCountID != "" {
			out.VerboseLog("completed count %s was left unfinished", result.CompletedCountID)
		}
		return err
	}
	if !result.Success {
		if werr := out.Failure(runOutput{result}); werr != nil {
			return werr
		}
		return NewExitError(ExitFailure, result.Message)
	}
	return out.Success(runOutput{result})
}

type runOutput struct {
	stockcount.RunResult
}

func (o runOutput) renderText(w io.Writer) {
	fmt.Fprintln(w, o.Message)
	fmt.Fprintf(w, "completed count: %s\n", o.CompletedCountID)
	fmt.Fprintf(w, "processed:       %d/%d\n", o.ProcessedCount, o.TotalCount)
	for _, e := range o.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

type taskOutput struct {
	TaskID  string `json:"task_id"`
	Queue   string `json:"queue"`
	Type    string `json:"type"`
	State   string `json:"state"`
	Retried int    `json:"retried,omitempty"`
	LastErr string `json:"last_error,omitempty"`
	NextTry string `json:"next_process_at,omitempty"`
}

func newTaskOutput(info *asynq.TaskInfo) taskOutput {
	if info == nil {
		return taskOutput{}
	}
	out := taskOutput{
		TaskID:  info.ID,
		Queue:   info.Queue,
		Type:    info.Type,
		State:   info.State.String(),
		Retried: info.Retried,
		LastErr: info.LastErr,
	}
	if !info.NextProcessAt.IsZero() {
		out.NextTry = info.NextProcessAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (o taskOutput) renderText(w io.Writer) {
	fmt.Fprintf(w, "queued %s as task %s (queue %s, state %s)\n", o.Type, o.TaskID, o.Queue, o.State)
}

type countOutput struct {
	stockcounthttp.CountView
}

func (o countOutput) renderText(w io.Writer) {
	fmt.Fprintf(w, "completed count: %s\n", o.ID)
	fmt.Fprintf(w, "count date:      %s\n", o.CountDate.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "created by:      %s\n", o.CreatedBy)
	fmt.Fprintf(w, "finished:        %t\n", o.ReagentUpdatesCompleted)
	fmt.Fprintf(w, "updated:         %d/%d\n", o.ReagentsUpdatedCount, o.ReagentsTotalCount)
	fmt.Fprintf(w, "retries:         %d\n", o.RetryCount)
	for _, e := range o.LastErrors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

type countList []stockcounthttp.CountView

func (l countList) renderText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tUPDATED\tFINISHED\tRETRIES")
	for _, c := range l {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%t\t%d\n", c.ID, c.CountDate.UTC().Format(stockcount.DateLayout), c.ReagentsUpdatedCount, c.ReagentsTotalCount, c.ReagentUpdatesCompleted, c.RetryCount)
	}
	_ = tw.Flush()
}

type queueOutput struct {
	QueueStats
	Retrying []taskOutput `json:"retrying,omitempty"`
}

func (o queueOutput) renderText(w io.Writer) {
	fmt.Fprintf(w, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		o.Queue, o.Pending, o.Active, o.Scheduled, o.Retry, o.Archived)
	for _, t := range o.Retrying {
		fmt.Fprintf(w, "  %s %s retried=%d: %s\n", t.TaskID, t.Type, t.Retried, t.LastErr)
	}
}

type pruneOutput struct {
	Deleted int64 `json:"deleted"`
}

func (o pruneOutput) renderText(w io.Writer) {
	fmt.Fprintf(w, "deleted %d draft key(s)\n", o.Deleted)
}
