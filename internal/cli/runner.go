// Package cli implements the artifacts command line against the artifactsd
// control API.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/macomeau/Artifacts-sub002/internal/api"
	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/control"
	"github.com/macomeau/Artifacts-sub002/internal/doctor"
)

type Runner struct {
	client *control.Client
	out    io.Writer
	errOut io.Writer

	cfg          config.Config
	settingsPath string
	hasConfig    bool
}

func NewRunner(client *control.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

// WithConfig enables subcommands that inspect the local environment.
func (r *Runner) WithConfig(cfg config.Config, settingsPath string) *Runner {
	r.cfg = cfg
	r.settingsPath = settingsPath
	r.hasConfig = true
	return r
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "start":
		return r.runStart(ctx, args[1:])
	case "stop":
		return r.runStop(ctx, args[1:])
	case "status":
		return r.runStatus(ctx, args[1:])
	case "list":
		return r.runList(ctx)
	case "recover":
		return r.runRecover(ctx)
	case "logs":
		return r.runLogs(ctx, args[1:])
	case "health":
		return r.runHealth(ctx)
	case "doctor":
		return r.runDoctor()
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	taskType := fs.String("type", "", "task type (defaults to the script name)")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	rest := fs.Args()
	if len(rest) < 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: artifacts start [-type T] <character> <script> [script args...]")
		return 2
	}
	env, err := r.client.StartTask(ctx, api.StartTaskRequest{
		Character:  rest[0],
		TaskType:   *taskType,
		ScriptName: rest[1],
		ScriptArgs: rest[2:],
	})
	if err != nil {
		return r.handleErr(err)
	}
	r.printTask(env.Task)
	return 0
}

func (r *Runner) runStop(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: artifacts stop <character>")
		return 2
	}
	env, err := r.client.StopTask(ctx, args[0])
	if err != nil {
		return r.handleErr(err)
	}
	r.printTask(env.Task)
	return 0
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: artifacts status <character>")
		return 2
	}
	env, err := r.client.TaskStatus(ctx, args[0])
	if err != nil {
		return r.handleErr(err)
	}
	r.printTask(env.Task)
	return 0
}

func (r *Runner) runList(ctx context.Context) int {
	env, err := r.client.ListTasks(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	r.printTasks(env.Tasks)
	return 0
}

func (r *Runner) runRecover(ctx context.Context) int {
	env, err := r.client.Recover(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if len(env.Tasks) == 0 {
		_, _ = fmt.Fprintln(r.out, "nothing to recover")
		return 0
	}
	r.printTasks(env.Tasks)
	return 0
}

func (r *Runner) runLogs(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	character := fs.String("character", "", "filter by character")
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env, err := r.client.ActionLogs(ctx, *character, *limit)
	if err != nil {
		return r.handleErr(err)
	}
	tw := tabwriter.NewWriter(r.out, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tCHARACTER\tACTION\tTILE\tERROR")
	for _, rec := range env.Logs {
		errText := rec.Error
		if errText == "" {
			errText = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t(%d,%d)\t%s\n", rec.Timestamp, rec.Character, rec.ActionType, rec.X, rec.Y, errText)
	}
	_ = tw.Flush()
	return 0
}

func (r *Runner) runHealth(ctx context.Context) int {
	resp, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, resp.Status)
	return 0
}

func (r *Runner) runDoctor() int {
	if !r.hasConfig {
		_, _ = fmt.Fprintln(r.errOut, "error: doctor needs a loaded configuration")
		return 1
	}
	res := doctor.Run(r.cfg, r.settingsPath)
	tw := tabwriter.NewWriter(r.out, 2, 4, 2, ' ', 0)
	for _, c := range res.Checks {
		path := c.Path
		if path == "" {
			path = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", strings.ToUpper(c.Status), c.Name, c.Message, path)
	}
	_ = tw.Flush()
	if !res.OK {
		return 1
	}
	return 0
}

func (r *Runner) printTask(task api.TaskResponse) {
	r.printTasks([]api.TaskResponse{task})
}

func (r *Runner) printTasks(tasks []api.TaskResponse) {
	tw := tabwriter.NewWriter(r.out, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHARACTER\tSCRIPT\tSTATE\tPID\tUPDATED\tERROR")
	for _, task := range tasks {
		pid := "-"
		if task.ProcessID != nil {
			pid = fmt.Sprintf("%d", *task.ProcessID)
		}
		errText := "-"
		if task.ErrorMessage != nil && *task.ErrorMessage != "" {
			errText = *task.ErrorMessage
		}
		script := task.ScriptName
		if len(task.ScriptArgs) > 0 {
			script += " " + strings.Join(task.ScriptArgs, " ")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", task.Character, script, task.State, pid, task.LastUpdated, errText)
	}
	_ = tw.Flush()
}

func (r *Runner) handleErr(err error) int {
	var reqErr *control.RequestError
	if errors.As(err, &reqErr) {
		_, _ = fmt.Fprintf(r.errOut, "error: %s\n", reqErr.Error())
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, `usage: artifacts <command> [args]

commands:
  start [-type T] <character> <script> [args...]  launch a task worker
  stop <character>                                stop the character's task
  status <character>                              show the character's task
  list                                            list all tasks
  recover                                         reconcile task state with live pids
  logs [-character C] [-limit N]                  show recent action logs
  health                                          check the daemon
  doctor                                          check the local setup`)
}
