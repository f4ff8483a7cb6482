// Package cli is the command-line front end of otdposter.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryan-buckman/otdposter/internal/config"
	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/bryan-buckman/otdposter/internal/version"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitBadParameter = 2
)

// BadParameterError is an invalid command-line argument, flag or setting.
type BadParameterError struct {
	Err error
}

func (e *BadParameterError) Error() string {
	return "invalid value: " + e.Err.Error()
}

func (e *BadParameterError) Unwrap() error { return e.Err }

func badParameter(err error) error {
	if err == nil {
		return nil
	}
	var bp *BadParameterError
	if errors.As(err, &bp) {
		return err
	}
	return &BadParameterError{Err: err}
}

// ExitCode maps the error returned by Execute to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var bp *BadParameterError
	if errors.As(err, &bp) {
		return ExitBadParameter
	}
	return ExitFailure
}

// Execute runs the command line of the process. Interrupts cancel the
// running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

// Run executes args against a fresh command tree. Errors are reported on
// errOut, with the usage of the failing command for bad parameters.
func Run(ctx context.Context, args []string, out, errOut io.Writer) error {
	if args == nil {
		// cobra falls back to os.Args on nil.
		args = []string{}
	}
	root := NewRootCommand(out, errOut)
	root.SetArgs(args)
	return execute(ctx, root)
}

// app holds the state shared by the commands of one invocation.
type app struct {
	out     io.Writer
	errOut  io.Writer
	cfgFile string
}

// NewRootCommand builds the otdposter command tree writing results to out and
// logs and errors to errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:     version.Name,
		Short:   "Post \"on this day\" events to a Lemmy community",
		Long:    "otdposter fetches the events of a day from Supabase, keeps them in a local database and posts them to Lemmy.",
		Version: version.Version,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return badParameter(errors.Errorf("no such command %q", args[0]))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetVersionTemplate(version.String() + "\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return badParameter(err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "configuration file (yaml, toml or json)")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.BoolP("silence", "s", false, "only log warnings and errors")

	root.AddCommand(a.dbCommand(), a.postCommand(), a.showCommand())
	return root
}

// execute runs root, printing the error of the failing command.
func execute(ctx context.Context, root *cobra.Command) error {
	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return nil
	}
	var bp *BadParameterError
	if errors.As(err, &bp) {
		fmt.Fprint(root.ErrOrStderr(), cmd.UsageString())
		fmt.Fprintf(root.ErrOrStderr(), "Try '%s --help' for help.\n\n", cmd.CommandPath())
	}
	fmt.Fprintf(root.ErrOrStderr(), "Error: %s\n", err)
	return err
}

// load builds the configuration of cmd and sets up logging with it.
func (a *app) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.Flags(), a.cfgFile)
	if err != nil {
		return config.Config{}, badParameter(err)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: a.errOut, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	zerolog.SetGlobalLevel(cfg.Level())
	return cfg, nil
}

// parseDate parses the optional DATE argument; today is the default.
func parseDate(args []string) (time.Time, error) {
	if len(args) == 0 || args[0] == "" {
		return model.TruncateDay(time.Now()), nil
	}
	d, err := model.ParseDate(args[0])
	if err != nil {
		return time.Time{}, badParameter(errors.Errorf("%q does not match the format YYYY-MM-DD for DATE", args[0]))
	}
	return d, nil
}

// maxArgs is cobra.MaximumNArgs reporting a bad parameter.
func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return badParameter(cobra.MaximumNArgs(n)(cmd, args))
	}
}

func addSupabaseFlags(fs *pflag.FlagSet) {
	fs.StringP("sb-url", "u", "", "Supabase project URL [env APC_SUPABASE_URL]")
	fs.StringP("sb-key", "k", "", "Supabase API key [env APC_SUPABASE_KEY]")
}

func addEventFlags(fs *pflag.FlagSet) {
	fs.String("ev-url", "", "base URL of the event pages [env APC_BASE_EVENT_URL]")
	fs.String("ev-img-url", "", "base URL of the event images [env APC_BASE_EVENT_IMG_URL]")
	fs.String("langcode", "", "ISO 639 language code forced on every event [env APC_LANGCODE]")
}

func addDatabaseFlags(fs *pflag.FlagSet) {
	fs.String("database", config.DefaultDatabase, "local database, a path or a sqlite:// or postgres:// URL [env APC_LOCAL_DATABASE]")
}

func addLemmyFlags(fs *pflag.FlagSet) {
	fs.String("lm-instance", config.DefaultLemmyInstance, "Lemmy instance URL [env APC_LEMMY_INSTANCE]")
	fs.String("lm-user", "", "Lemmy user [env APC_LEMMY_USER]")
	fs.String("lm-password", "", "Lemmy password [env APC_LEMMY_PASSWORD]")
	fs.String("lm-community", config.DefaultLemmyCommunity, "Lemmy community [env APC_LEMMY_COMMUNITY]")
	fs.Int("image-max-dimension", 0, "scale uploaded images to fit this many pixels, 0 keeps them as is [env APC_IMAGE_MAX_DIMENSION]")
}

func addFormatFlag(fs *pflag.FlagSet) {
	fs.StringP("format", "f", config.DefaultFormat, "output format: json, txt or none")
}
