package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/sleuth/pkg/taskhub"
)

var (
	runTaskID string
	runJSON   bool

	// interruptContext is replaced in tests.
	interruptContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	}
)

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Answer a query, streaming progress events",
	Long: `Run a query through the workflow and stream its events. When the
workflow asks for human input the next line of stdin is sent as the answer.
Ctrl-C cancels the task.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTaskID, "task-id", "", "task id to use (default is a new uuid)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print events as JSON lines")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	svc := s.app.Service
	id, err := svc.StartAsync(strings.Join(args, " "), runTaskID)
	if err != nil {
		return err
	}
	sub, err := svc.Subscribe(id)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	return streamTask(ctx, svc, sub, cmd.InOrStdin(), cmd.OutOrStdout(), runJSON)
}

// taskControl is the part of the orchestration service streamTask drives.
type taskControl interface {
	SubmitHumanResponse(taskID, text string) error
	Cancel(taskID, reason string) error
}

// streamTask prints events until the subscription closes. Answers for
// human requests are taken from in, one line each; lines typed ahead are
// queued. It returns an error when the task fails or is cancelled.
func streamTask(ctx context.Context, ctl taskControl, sub *taskhub.Subscription, in io.Reader, out io.Writer, asJSON bool) error {
	done := make(chan struct{})
	defer close(done)
	lines := readLines(in, done)

	var (
		pending   []string
		waiting   bool
		result    error
		interrupt = ctx.Done()
	)

	cancel := func(reason string) error {
		if err := ctl.Cancel(sub.TaskID, reason); err != nil && !errors.Is(err, taskhub.ErrTaskTerminal) {
			return err
		}
		return nil
	}

	for {
		select {
		case <-interrupt:
			interrupt = nil
			if err := cancel("interrupted"); err != nil {
				return err
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				break
			}
			if line = strings.TrimSpace(line); line != "" {
				pending = append(pending, line)
			}

		case ev, ok := <-sub.C:
			if !ok {
				return result
			}
			if err := printEvent(out, ev, asJSON); err != nil {
				return err
			}
			switch ev.Type {
			case taskhub.EventHumanRequest:
				waiting = true
			case taskhub.EventError:
				result = fmt.Errorf("task %s failed: %s", sub.TaskID, ev.Message)
			case taskhub.EventCancelled:
				result = fmt.Errorf("task %s cancelled: %s", sub.TaskID, ev.Message)
			}
		}

		if !waiting {
			continue
		}
		if len(pending) > 0 {
			text := pending[0]
			pending = pending[1:]
			waiting = false
			if err := ctl.SubmitHumanResponse(sub.TaskID, text); err != nil {
				return err
			}
		} else if lines == nil {
			waiting = false
			if err := cancel("no human response: input closed"); err != nil {
				return err
			}
		}
	}
}

func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

func printEvent(out io.Writer, ev taskhub.Event, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(out).Encode(ev)
	}

	var err error
	switch ev.Type {
	case taskhub.EventStatus:
		_, err = fmt.Fprintf(out, "[status] %s\n", ev.Status)
	case taskhub.EventStep:
		_, err = fmt.Fprintf(out, "[step %v] %s\n", ev.Data["step"], ev.Node)
	case taskhub.EventHumanRequest:
		_, err = fmt.Fprintf(out, "[input needed] %s\n> ", ev.Message)
	case taskhub.EventAck:
		_, err = fmt.Fprintf(out, "[ack] %s\n", ev.Message)
	case taskhub.EventFinal:
		_, err = fmt.Fprintf(out, "\n%s\n", ev.Message)
	case taskhub.EventCancelled:
		_, err = fmt.Fprintf(out, "[cancelled] %s\n", ev.Message)
	case taskhub.EventError:
		_, err = fmt.Fprintf(out, "[error] %s\n", ev.Message)
	default:
		_, err = fmt.Fprintf(out, "[%s] %s\n", ev.Type, ev.Message)
	}
	return err
}
