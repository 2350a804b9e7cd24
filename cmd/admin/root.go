package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anoint-array/platform/internal/app"
	"github.com/anoint-array/platform/internal/cli"
	"github.com/anoint-array/platform/internal/config"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/services/accounts"
	"github.com/anoint-array/platform/services/backup"
	"github.com/anoint-array/platform/supabase/client"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

// configError marks failures that happen before any network call.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func usageErr(format string, args ...interface{}) error {
	return &configError{err: fmt.Errorf(format, args...)}
}

// UserFetcher resolves an access token to its auth user.
type UserFetcher interface {
	GetUser(ctx context.Context, accessToken string) (*client.User, error)
}

// backend is what the commands operate on.
type backend struct {
	Accounts *accounts.Service
	Backups  *backup.Service
	Users    UserFetcher
	Ping     func(ctx context.Context) error
	Close    func(ctx context.Context) error
}

// opener builds the backend once configuration has been validated.
type opener func(ctx context.Context, cfg *config.Config, log *logging.Logger) (*backend, error)

func openApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (*backend, error) {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &backend{
		Accounts: a.Accounts,
		Backups:  a.Backups,
		Users:    a.Supabase.Auth(),
		Ping:     a.Supabase.Ping,
		Close:    a.Stop,
	}, nil
}

// session carries the state shared by every command.
type session struct {
	envFile string
	out     *cli.Printer
	errOut  io.Writer
	open    opener
}

// withBackend loads configuration, checks the required variables and opens
// the backend before calling fn.
func (s *session) withBackend(fn func(ctx context.Context, be *backend) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(s.envFile)
		if err != nil {
			return &configError{err: err}
		}
		if err := cfg.RequireAdminCLI(); err != nil {
			return &configError{err: err}
		}

		log := logging.New("anoint-admin", cfg.Server.LogLevel, cfg.Server.LogFormat)
		log.SetOutput(s.errOut)

		ctx := cmd.Context()
		be, err := s.open(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if be.Close != nil {
				_ = be.Close(closeCtx)
			}
		}()
		return fn(ctx, be)
	}
}

func newRootCmd(s *session) *cobra.Command {
	root := &cobra.Command{
		Use:           "anoint-admin",
		Short:         "Operational tooling for the ANOINT Array platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&s.envFile, "env", ".env", "Path to an optional .env file")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &configError{err: err}
	})

	root.AddCommand(newAdminCmd(s), newBackupCmd(s), newSmokeCmd(s))
	return root
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer, open opener) int {
	s := &session{out: cli.NewPrinter(stdout), errOut: stderr, open: open}
	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	errPrinter := cli.NewPrinter(stderr)
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		errPrinter.Error("%v", cfgErr.err)
		return exitConfig
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		if exitErr.msg != "" {
			errPrinter.Error("%s", exitErr.msg)
		}
		return exitErr.code
	}
	errPrinter.Error("%s", describe(err))
	return exitFailure
}

// exitCodeError ends the command with a specific code after its output has
// already been printed.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

// describe prefers the service error message over the wrapped chain.
func describe(err error) string {
	if se := svcerrors.GetServiceError(err); se != nil {
		if se.Err != nil {
			return fmt.Sprintf("%s (%v)", se.Message, se.Err)
		}
		return se.Message
	}
	return err.Error()
}
