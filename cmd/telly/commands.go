package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"telly/internal/app"
	"telly/internal/gmail"
	"telly/internal/tale"
)

const (
	defaultConfigPath = "./config.json"
	stopTimeout       = 10 * time.Second
	outTime           = "2006-01-02 15:04:05 MST"
)

var editFlags = []cli.Flag{
	cli.StringFlag{Name: "action, a", Usage: "time or search"},
	cli.StringFlag{Name: "schedule, s", Usage: "once, daily@HH:MM or a duration like 15m"},
	cli.StringFlag{Name: "query, q", Usage: "search query (search tales only)"},
	cli.StringFlag{Name: "deliver, d", Usage: "webhook URL that receives each result"},
}

func newCLI() *cli.App {
	c := cli.NewApp()
	c.Name = "telly"
	c.HelpName = "telly"
	c.Usage = "schedule small recurring jobs and post their results to a webhook"
	c.UsageText = "telly [--config FILE] <command> [arguments...]"
	c.Version = version
	c.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  defaultConfigPath,
			EnvVar: "TELLY_CONFIG",
			Usage:  "path to the JSON or YAML config file",
		},
	}
	c.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the scheduler daemon",
			Action: serve,
		},
		{
			Name:      "add",
			Usage:     "create a tale",
			ArgsUsage: "NAME",
			Flags: append([]cli.Flag{
				cli.BoolFlag{Name: "disabled", Usage: "create the tale paused"},
			}, editFlags...),
			Action: add,
		},
		{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "list tales",
			Action:  list,
		},
		{
			Name:      "show",
			Usage:     "show one tale and its next trigger",
			ArgsUsage: "ID|PREFIX|NAME",
			Action:    show,
		},
		{
			Name:      "edit",
			Usage:     "change a tale; unset flags keep their value",
			ArgsUsage: "ID|PREFIX|NAME",
			Flags:     append([]cli.Flag{cli.StringFlag{Name: "name, n", Usage: "new name"}}, editFlags...),
			Action:    edit,
		},
		{
			Name:      "enable",
			Usage:     "resume a tale",
			ArgsUsage: "ID|PREFIX|NAME",
			Action:    toggle(true),
		},
		{
			Name:      "disable",
			Usage:     "pause a tale",
			ArgsUsage: "ID|PREFIX|NAME",
			Action:    toggle(false),
		},
		{
			Name:      "rm",
			Aliases:   []string{"delete"},
			Usage:     "delete a tale and its logs",
			ArgsUsage: "ID|PREFIX|NAME",
			Action:    remove,
		},
		{
			Name:      "run",
			Usage:     "execute a tale now, ignoring its schedule",
			ArgsUsage: "ID|PREFIX|NAME",
			Action:    runNow,
		},
		{
			Name:      "logs",
			Usage:     "show execution logs, newest first",
			ArgsUsage: "[ID|PREFIX|NAME]",
			Flags:     []cli.Flag{cli.IntFlag{Name: "limit, n", Value: 20}},
			Action:    logs,
		},
		{
			Name:      "next",
			Usage:     "preview upcoming triggers",
			ArgsUsage: "ID|PREFIX|NAME",
			Flags:     []cli.Flag{cli.IntFlag{Name: "count, n", Value: 5}},
			Action:    next,
		},
		{
			Name:  "gmail",
			Usage: "manage the Gmail session used by search tales",
			Subcommands: []cli.Command{
				{Name: "login", Usage: "authorize telly to read your mail", Action: gmailLogin},
				{Name: "status", Usage: "show whether a session is stored", Action: gmailStatus},
			},
		},
	}
	return c
}

func configPath(ctx *cli.Context) string {
	if p := ctx.GlobalString("config"); p != "" {
		return p
	}
	return defaultConfigPath
}

// withEnv opens config and storage for one command.
func withEnv(ctx *cli.Context, fn func(env *app.Env, out io.Writer) error) error {
	env, err := app.OpenEnv(configPath(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()
	return fn(env, ctx.App.Writer)
}

func ref(ctx *cli.Context) (string, error) {
	r := strings.TrimSpace(ctx.Args().First())
	if r == "" {
		return "", errors.New("missing tale reference (id, id prefix or name)")
	}
	return r, nil
}

func serve(ctx *cli.Context) error {
	a, err := app.NewApp(configPath(ctx))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(context.Background()); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func add(ctx *cli.Context) error {
	name := strings.TrimSpace(strings.Join(ctx.Args(), " "))
	if name == "" {
		return errors.New("missing tale name")
	}
	actionRaw := ctx.String("action")
	if actionRaw == "" {
		actionRaw = string(tale.ActionTimeFetch)
	}
	kind, err := tale.ParseAction(actionRaw)
	if err != nil {
		return err
	}
	schedRaw := ctx.String("schedule")
	if schedRaw == "" {
		return errors.New("--schedule is required")
	}
	sched, err := tale.ParseSchedule(schedRaw)
	if err != nil {
		return err
	}

	t := tale.New(name, kind, sched)
	t.Query = strings.TrimSpace(ctx.String("query"))
	t.DeliveryTarget = strings.TrimSpace(ctx.String("deliver"))
	t.Enabled = !ctx.Bool("disabled")

	return withEnv(ctx, func(env *app.Env, out io.Writer) error {
		created, err := env.Tales.Create(context.Background(), t)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s (%s)\n", created.ID, created.Name)
		return nil
	})
}

func list(ctx *cli.Context) error {
	return withEnv(ctx, func(env *app.Env, out io.Writer) error {
		tales, err := env.Tales.List(context.Background())
		if err != nil {
			return err
		}
		if len(tales) == 0 {
			fmt.Fprintln(out, "no tales yet; create one with `telly add`")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tACTION\tSCHEDULE\tENABLED\tLAST RUN")
		for _, t := range tales {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
				shortID(t.ID), t.Name, t.Action, t.Schedule, t.Enabled, fmtTimePtr(t.LastRunAt, env.Policy.Location))
		}
		return tw.Flush()
	})
}

func show(ctx *cli.Context) error {
	r, err := ref(ctx)
	if err != nil {
		return err
	}
	return withEnv(ctx, func(env *app.Env, out io.Writer) error {
		t, err := env.Tales.Find(context.Background(), r)
		if err != nil {
			return err
		}
		loc := env.Policy.Location
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "id:\t%s\n", t.ID)
		fmt.Fprintf(tw, "name:\t%s\n", t.Name)
		fmt.Fprintf(tw, "action:\t%s\n", t.Action)
		if t.Query != "" {
			fmt.Fprintf(tw, "query:\t%s\n", t.Query)
		}
		fmt.Fprintf(tw, "schedule:\t%s\n", t.Schedule)
		fmt.Fprintf(tw, "enabled:\t%t\n", t.Enabled)
		if t.HasDelivery() {
			fmt.Fprintf(tw, "deliver:\t%s\n", t.DeliveryTarget)
		}
		fmt.Fprintf(tw, "created:\t%s\n", t.CreatedAt.In(loc).Format(outTime))
		fmt.Fprintf(tw, "last run:\t%s\n", fmtTimePtr(t.LastRunAt, loc))
		nextRun := "-"
		if t.Enabled {
			if ts, err := app.PreviewTriggers(env.Policy, t, time.Now(), 1); err != nil {
				nextRun = "never (" + err.Error() + ")"
			} else if len(ts) == 1 {
				nextRun = ts[0].In(loc).Format(outTime)
			}
		}
		fmt.Fprintf(tw, "next run:\t%s\n", nextRun)
		return tw.Flush()
	})
}

func edit(ctx *cli.Context) error {
	r, err := ref(ctx)
	if err != nil {
		return err
	}
	return withEnv(ctx, func(env *app.Env, out io.Writer) error {
		bg := context.Background()
		t, err := env.Tales.Find(bg, r)
		if err != nil {
			return err
		}
		if ctx.IsSet("name") {
			t.Name = strings.TrimSpace(ctx.String("name"))
		}
		if ctx.IsSet("action") {
			if t.Action, err = tale.ParseAction(ctx.String("action")); err != nil {
				return err
			}
		}
		if ctx.IsSet("schedule") {
			if t.Schedule, err = tale.ParseSchedule(ctx.String("schedule")); err != nil {
				return err
			}
		}
		if ctx.IsSet("query") {
			t.Query = strings.TrimSpace(ctx.String("query"))
		}
		if ctx.IsSet("deliver") {
			t.DeliveryTarget = strings.TrimSpace(ctx.String("deliver"))
		}
		updated, err := env.Tales.Update(bg, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "updated %s (%s, %s)\n", updated.ID, updated.Name, updated.Schedule)
		return nil
	})
}

func toggle(enabled bool) func(*cli.Context) error {
	return func(ctx *cli.Context) error {
		r, err := ref(ctx)
		if err != nil {
			return err
		}
		return withEnv(ctx, func(env *app.Env, out io.Writer) error {
			bg := context.Background()
			t, err := env.Tales.Find(bg, r)
			if err != nil {
				return err
			}
			if _, err := env.Tales.SetEnabled(bg, t.ID, enabled); err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Fprintf(out, "%s %s (%s)\n", state, t.ID, t.Name)
			return nil
		})
	}
}

func remove(ctx *cli.Context) error {
	r, err := ref(ctx)
	if err != nil {
		return err
	}
	return withEnv(ctx, func(env *app.Env, out io.Writer) error {
		bg := context.Background()
		t, err := env.Tales.Find(bg, r)
		if err != nil {
			return err
		}
		if err := env.Tales.Delete(bg, t.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s (%s)\n", t.ID, t.Name)
		return nil
	})
}

func runNow(ctx *cli.Context) error {
	r, err := ref(ctx)
	if err != nil {
		return err
	}
	return withEnv(ctx, func(env *app.Env, out io.Writer) error {
		bg := context.Background()
		t, err := env.Tales.Find(bg, r)
		if err != nil {
			return err
		}
		runner, err := env.Runner()
		if err != nil {
			return err
		}
		ev, err := runner.RunNow(bg, t.ID)
		if err != nil {
			return err
		}
		status := "ok"
		if !ev.Success {
			status = "failed"
		}
		fmt.Fprintf(out, "%s %s in %s\n%s\n", t.Name, status, ev.Took.Round(time.Millisecond), ev.Result)
		if !ev.Success {
			return errors.New("run failed")
		}
		return nil
	})
}

func logs(ctx *cli.Context) error {
	return withEnv(ctx, func(env *app.Env, out io.Writer) error {
		bg := context.Background()
		limit := ctx.Int("limit")
		names := map[string]string{}

		var entries []tale.LogEntry
		if r := strings.TrimSpace(ctx.Args().First()); r != "" {
			t, err := env.Tales.Find(bg, r)
			if err != nil {
				return err
			}
			names[t.ID] = t.Name
			if entries, err = env.Tales.Logs(bg, t.ID, limit); err != nil {
				return err
			}
		} else {
			tales, err := env.Tales.List(bg)
			if err != nil {
				return err
			}
			for _, t := range tales {
				names[t.ID] = t.Name
			}
			if entries, err = env.Tales.RecentLogs(bg, limit); err != nil {
				return err
			}
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "no logs")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tTALE\tOK\tRESULT")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n",
				e.Timestamp.In(env.Policy.Location).Format(outTime), names[e.TaleID], e.Success, oneLine(e.Result, 100))
		}
		return tw.Flush()
	})
}

func next(ctx *cli.Context) error {
	r, err := ref(ctx)
	if err != nil {
		return err
	}
	return withEnv(ctx, func(env *app.Env, out io.Writer) error {
		t, err := env.Tales.Find(context.Background(), r)
		if err != nil {
			return err
		}
		if !t.Enabled {
			fmt.Fprintf(out, "%s is disabled\n", t.Name)
			return nil
		}
		ts, err := app.PreviewTriggers(env.Policy, t, time.Now(), ctx.Int("count"))
		if err != nil {
			return err
		}
		if len(ts) == 0 {
			fmt.Fprintf(out, "%s has no upcoming triggers\n", t.Name)
			return nil
		}
		for _, at := range ts {
			fmt.Fprintln(out, at.In(env.Policy.Location).Format(outTime))
		}
		return nil
	})
}

func gmailLogin(ctx *cli.Context) error {
	cfg, err := app.LoadGmailConfig(configPath(ctx))
	if err != nil {
		return err
	}
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := gmail.Login(sigCtx, cfg, ctx.App.Writer); err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("login canceled")
		}
		return err
	}
	fmt.Fprintln(ctx.App.Writer, "signed in; search tales will use this session")
	return nil
}

func gmailStatus(ctx *cli.Context) error {
	cfg, err := app.LoadGmailConfig(configPath(ctx))
	if err != nil {
		return err
	}
	st := gmail.ReadStatus(cfg)
	out := ctx.App.Writer
	if !st.SignedIn {
		fmt.Fprintf(out, "not signed in (token file %s); run `telly gmail login`\n", st.TokenFile)
		return nil
	}
	fmt.Fprintf(out, "signed in (token file %s)\n", st.TokenFile)
	fmt.Fprintf(out, "refresh token: %t\n", st.Refresh)
	if !st.Expiry.IsZero() {
		fmt.Fprintf(out, "access token expires: %s\n", st.Expiry.Format(outTime))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func fmtTimePtr(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "never"
	}
	return t.In(loc).Format(outTime)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}
