package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/makeasinger/musicgen/internal/events"
	"github.com/makeasinger/musicgen/internal/model"
)

// ErrTaskNotCompleted is returned by generate --wait when the task ends in
// any state other than completed.
var ErrTaskNotCompleted = errors.New("task did not complete")

type generateOptions struct {
	duration int
	repeat   int
	hints    map[string]string
	melody   string
	wait     bool
	output   string
	interval time.Duration
}

func newGenerateCmd(g *globalOptions) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate <description>",
		Short: "Submit a music generation task",
		Long: `Submit a free-form music description. With --wait the command follows the
task until it finishes, and with --output it saves the finished WAV file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, g, opts, strings.Join(args, " "))
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.duration, "duration", "d", 10, "seconds per variation (1-300)")
	f.IntVarP(&opts.repeat, "repeat", "n", 1, "number of variations (1-10)")
	f.StringToStringVar(&opts.hints, "hint", nil, "structured hint, e.g. --hint genre=jazz")
	f.StringVar(&opts.melody, "melody", "", "WAV file used as melody reference")
	f.BoolVarP(&opts.wait, "wait", "w", false, "wait for the task to finish")
	f.StringVarP(&opts.output, "output", "o", "", "write the finished audio here (implies --wait)")
	f.DurationVar(&opts.interval, "poll", time.Second, "status poll interval")
	return cmd
}

func runGenerate(cmd *cobra.Command, g *globalOptions, opts *generateOptions, description string) error {
	api, err := g.client()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	req := &model.GenerateRequest{
		FreeInput:       description,
		Duration:        opts.duration,
		RepeatCount:     opts.repeat,
		StructuredInput: opts.hints,
	}
	result, err := api.Generate(ctx, req, opts.melody)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %s queued\n", result.TaskID)

	if !opts.wait && opts.output == "" {
		return nil
	}

	final, err := api.Wait(ctx, result.TaskID, opts.interval, func(s *model.TaskStatusResponse) {
		fmt.Fprintf(out, "[%3d%%] %s: %s\n", s.Progress, s.Status, s.Message)
	})
	if err != nil {
		return err
	}
	if final.Status != model.TaskStatusCompleted {
		return fmt.Errorf("%w: %s", ErrTaskNotCompleted, final.Status)
	}

	if opts.output == "" {
		if len(final.Files) > 0 {
			fmt.Fprintf(out, "Audio: %s\n", final.Files[0].FileURL)
		}
		return nil
	}
	return saveAudio(ctx, api, result.TaskID, opts.output, out)
}

func saveAudio(ctx context.Context, api *APIClient, taskID, path string, out io.Writer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := api.Download(ctx, taskID, f)
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	fmt.Fprintf(out, "Saved %d bytes to %s\n", n, path)
	return nil
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>...",
		Short: "Show the state of one or more tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tPROGRESS\tMESSAGE")
			for _, id := range args {
				s, err := api.Status(cmd.Context(), id)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\t-\t%v\n", id, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", s.TaskID, s.Status, s.Progress, s.Message)
			}
			return w.Flush()
		},
	}
}

func newCancelCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}
			result, err := api.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s\n", result.TaskID, result.Status)
			return nil
		},
	}
}

func newDownloadCmd(g *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <task-id>",
		Short: "Download the audio of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				path = "generated_music_" + args[0] + ".wav"
			}
			return saveAudio(cmd.Context(), api, args[0], path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default generated_music_<task-id>.wav)")
	return cmd
}

func newEventsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events [task-id]",
		Short: "Follow task lifecycle events published on NATS",
		Long: `Follow events for a single task until it finishes, or for every task
when no id is given. Requires --nats-url.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.natsURL == "" {
				return errors.New("--nats-url is required")
			}
			taskID := "*"
			if len(args) == 1 {
				taskID = args[0]
			}

			natsConnection, err := nats.Connect(g.natsURL, nats.Name("musicctl"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer natsConnection.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			err = events.Subscribe(ctx, natsConnection, g.subject, taskID, func(ev *model.TaskEvent) {
				fmt.Fprintf(out, "%s %s [%3d%%] %s: %s\n",
					ev.Timestamp.Local().Format(time.TimeOnly), ev.TaskID, ev.Progress, ev.Status, ev.Message)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
