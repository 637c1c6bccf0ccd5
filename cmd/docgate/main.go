// Command docgate submits documents to the registration API through one
// in-process sliding-window admission gate.
//
//	docgate serve  [flags]   intake API + ops listener
//	docgate submit [flags]   concurrent batch from a file, s3:// or ssm://
//	docgate version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/keithlinneman/docgate/internal/cfg"
	v "github.com/keithlinneman/docgate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, rest := splitCommand(args)

	switch cmd {
	case "version":
		vi := v.Get()
		fmt.Fprintf(stdout,
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return 0
	case "serve", "submit":
	default:
		fmt.Fprintf(stderr, "unknown command %q\nusage: %s serve|submit|version [flags]\n", cmd, v.AppName)
		return 2
	}

	fs := flag.NewFlagSet(v.AppName+" "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var conf cfg.App
	var batch cfg.Submit
	cfg.Register(fs, &conf)
	if cmd == "submit" {
		cfg.RegisterSubmit(fs, &batch)
	}
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	cfg.FillFromEnv(fs, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	})

	err := cfg.Validate(conf)
	if cmd == "submit" {
		err = errors.Join(err, cfg.ValidateSubmit(batch))
	}
	if err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return 1
	}

	if cmd == "submit" {
		return runSubmit(ctx, conf, batch)
	}
	return runServe(ctx, conf)
}

// splitCommand defaults to serve when no subcommand is named.
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 || (len(args[0]) > 0 && args[0][0] == '-') {
		return "serve", args
	}
	return args[0], args[1:]
}
