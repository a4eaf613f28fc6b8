package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/subcommands"

	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/generate"
	"github.com/Prismadic/magnet/internal/handler"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/resonator"
	"github.com/Prismadic/magnet/internal/run"
)

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "magnet: "+format+"\n", args...)
	return subcommands.ExitFailure
}

type alignCmd struct{}

func (*alignCmd) Name() string             { return "align" }
func (*alignCmd) Synopsis() string         { return "connect and provision the stream and buckets" }
func (*alignCmd) Usage() string            { return "align\n" }
func (*alignCmd) SetFlags(*flag.FlagSet)   {}
func (*alignCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	info, err := a.Prism.StreamInfo()
	if err != nil {
		return fail("%v", err)
	}
	printJSON(info)
	return subcommands.ExitSuccess
}

type infoCmd struct {
	role string
}

func (*infoCmd) Name() string     { return "info" }
func (*infoCmd) Synopsis() string { return "show pending counts for a role's consumer" }
func (*infoCmd) Usage() string    { return "info -role <role>\n" }
func (c *infoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.role, "role", "", "consumer role")
}
func (c *infoCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if c.role == "" {
		return subcommands.ExitUsageError
	}
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	r := resonator.New(a.Prism, resonator.WithConsumerConfig(a.Config.Consumer))
	if err := r.On(ctx, c.role); err != nil {
		return fail("%v", err)
	}
	defer r.Off(ctx)
	info, err := r.Info(ctx)
	if err != nil {
		return fail("%v", err)
	}
	printJSON(info)
	return subcommands.ExitSuccess
}

type pulseCmd struct {
	subject string
	docID   string
	text    string
	file    string
	objID   string
}

func (*pulseCmd) Name() string     { return "pulse" }
func (*pulseCmd) Synopsis() string { return "publish a text payload or upload a file" }
func (*pulseCmd) Usage() string {
	return "pulse -id <document_id> -text <text> [-subject <category>]\npulse -file <path> [-object <name>]\n"
}
func (c *pulseCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.subject, "subject", "", "category to publish on (default: configured category)")
	f.StringVar(&c.docID, "id", "", "document id for a text payload")
	f.StringVar(&c.text, "text", "", "text payload")
	f.StringVar(&c.file, "file", "", "file to upload to the jobs object store")
	f.StringVar(&c.objID, "object", "", "object name for -file (default: file name)")
}
func (c *pulseCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	var payload model.Payload
	switch {
	case c.file != "":
		data, err := os.ReadFile(c.file)
		if err != nil {
			return fail("%v", err)
		}
		name := c.objID
		if name == "" {
			name = filepath.Base(c.file)
		}
		payload = model.FilePayload{ID: name, OriginalFilename: filepath.Base(c.file), Data: data}
	case c.docID != "":
		payload = model.TextPayload{DocumentID: c.docID, Text: c.text}
	default:
		return subcommands.ExitUsageError
	}

	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	var opts []charge.PulseOption
	if c.subject != "" {
		opts = append(opts, charge.WithSubject(c.subject))
	}
	receipt, err := charge.New(a.Prism).Pulse(ctx, payload, append(opts, charge.WithVerbose())...)
	if err != nil {
		return fail("%v", err)
	}
	printJSON(receipt)
	return subcommands.ExitSuccess
}

type listenCmd struct {
	role    string
	subject string
	batch   int
	local   bool
	objects bool
}

func (*listenCmd) Name() string     { return "listen" }
func (*listenCmd) Synopsis() string { return "consume a category and print each payload" }
func (*listenCmd) Usage() string    { return "listen -role <role> [-subject <category>] [-batch n] [-local] [-objects]\n" }
func (c *listenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.role, "role", "cli", "consumer role")
	f.StringVar(&c.subject, "subject", "", "category to consume (default: configured category)")
	f.IntVar(&c.batch, "batch", 0, "fetch one batch of n and exit; 0 listens until interrupted")
	f.BoolVar(&c.local, "local", false, "use a fresh consumer instead of the shared durable one")
	f.BoolVar(&c.objects, "objects", false, "watch the object store instead of the stream")
}
func (c *listenCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	r := resonator.New(a.Prism,
		resonator.WithConsumerConfig(a.Config.Consumer),
		resonator.WithWorkDir(a.Config.Worker.WorkDir),
	)

	var err error
	if c.objects {
		err = r.OnObjects(ctx, c.role)
	} else {
		var opts []resonator.OnOption
		if c.subject != "" {
			opts = append(opts, resonator.WithCategory(c.subject))
		}
		if c.local {
			opts = append(opts, resonator.WithLocal())
		}
		err = r.On(ctx, c.role, opts...)
	}
	if err != nil {
		return fail("%v", err)
	}
	defer r.Off(context.Background())

	err = r.Listen(ctx, func(_ context.Context, d resonator.Delivery) error {
		printJSON(map[string]any{
			"subject":    d.Subject,
			"sequence":   d.Sequence,
			"kind":       d.Payload.Kind(),
			"payload":    d.Payload,
			"local_path": d.LocalPath,
		})
		return nil
	}, c.batch)
	if err != nil {
		return fail("%v", err)
	}
	return subcommands.ExitSuccess
}

type empCmd struct{}

func (*empCmd) Name() string           { return "emp" }
func (*empCmd) Synopsis() string       { return "delete the configured stream" }
func (*empCmd) Usage() string          { return "emp <stream name>\n" }
func (*empCmd) SetFlags(*flag.FlagSet) {}
func (*empCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return subcommands.ExitUsageError
	}
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	if err := charge.New(a.Prism).Emp(ctx, f.Arg(0)); err != nil {
		return fail("%v", err)
	}
	return subcommands.ExitSuccess
}

type resetCmd struct{}

func (*resetCmd) Name() string           { return "reset" }
func (*resetCmd) Synopsis() string       { return "purge the configured category from the stream" }
func (*resetCmd) Usage() string          { return "reset <category>\n" }
func (*resetCmd) SetFlags(*flag.FlagSet) {}
func (*resetCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return subcommands.ExitUsageError
	}
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	if err := charge.New(a.Prism).Reset(ctx, f.Arg(0)); err != nil {
		return fail("%v", err)
	}
	return subcommands.ExitSuccess
}

type exciteCmd struct {
	jobType string
	params  string
}

func (*exciteCmd) Name() string     { return "excite" }
func (*exciteCmd) Synopsis() string { return "create a job in the jobs bucket" }
func (*exciteCmd) Usage() string {
	return "excite -type <acquire|process|train|inference> -params '<json>'\n"
}
func (c *exciteCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.jobType, "type", "", "job type")
	f.StringVar(&c.params, "params", "{}", "job params as JSON")
}
func (c *exciteCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	t, err := model.ParseJobType(c.jobType)
	if err != nil {
		return fail("%v", err)
	}
	params, err := model.DecodeParams(t, json.RawMessage(c.params))
	if err != nil {
		return fail("%v", err)
	}
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	job, err := charge.New(a.Prism).Excite(ctx, t, params)
	if err != nil {
		return fail("%v", err)
	}
	printJSON(job)
	return subcommands.ExitSuccess
}

type jobsCmd struct {
	jobType string
	run     string
}

func (*jobsCmd) Name() string     { return "jobs" }
func (*jobsCmd) Synopsis() string { return "list jobs, or show one run" }
func (*jobsCmd) Usage() string    { return "jobs [-type <type>] [-run <run id>]\n" }
func (c *jobsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.jobType, "type", "", "only jobs of this type")
	f.StringVar(&c.run, "run", "", "show this run instead of listing jobs")
}
func (c *jobsCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	var t model.JobType
	if c.jobType != "" {
		parsed, err := model.ParseJobType(c.jobType)
		if err != nil {
			return fail("%v", err)
		}
		t = parsed
	}
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	ch := charge.New(a.Prism)
	if c.run != "" {
		r, err := ch.GetRun(ctx, c.run)
		if err != nil {
			return fail("%v", err)
		}
		printJSON(r)
		return subcommands.ExitSuccess
	}
	jobs, err := ch.ListJobs(ctx, t)
	if err != nil {
		return fail("%v", err)
	}
	printJSON(jobs)
	return subcommands.ExitSuccess
}

type unclaimCmd struct {
	force bool
}

func (*unclaimCmd) Name() string     { return "unclaim" }
func (*unclaimCmd) Synopsis() string { return "release a claimed job for another attempt" }
func (*unclaimCmd) Usage() string    { return "unclaim [-force] <job id>\n" }
func (c *unclaimCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.force, "force", false, "release even if the latest run has not finished")
}
func (c *unclaimCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return subcommands.ExitUsageError
	}
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	var opts []charge.UnclaimOption
	if c.force {
		opts = append(opts, charge.WithForce())
	}
	job, err := charge.New(a.Prism).Unclaim(ctx, f.Arg(0), opts...)
	if err != nil {
		return fail("%v", err)
	}
	printJSON(job)
	return subcommands.ExitSuccess
}

// workCmd runs one scan for a role in the foreground.
type workCmd struct {
	role string
}

func (*workCmd) Name() string     { return "work" }
func (*workCmd) Synopsis() string { return "claim and run pending jobs of one type once" }
func (*workCmd) Usage() string    { return "work -role <job type>\n" }
func (c *workCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.role, "role", "", "job type to work on")
}
func (c *workCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	role, err := model.ParseJobType(c.role)
	if err != nil {
		return fail("%v", err)
	}
	a, code := envFrom(ctx, args)
	if a == nil {
		return code
	}
	opts := []handler.Option{handler.WithWorkDir(a.Config.Worker.WorkDir)}
	if a.Config.OpenAI.Enabled() {
		gen, err := generate.New(generate.FromConfig(a.Config.OpenAI))
		if err != nil {
			return fail("%v", err)
		}
		opts = append(opts, handler.WithGenerator(gen))
	}
	h := handler.New(a.Prism, charge.New(a.Prism), opts...)
	n, err := run.New(a.Prism, h, run.WithMaxAttempts(a.Config.Worker.MaxAttempts)).Work(ctx, role)
	if err != nil {
		return fail("%v", err)
	}
	fmt.Printf("handled %d %s runs\n", n, role)
	return subcommands.ExitSuccess
}
