package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newSmokeCmd(s *session) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Exercise auth and profile access against the configured project",
		Long: `Pings the backend and lists profile rows. With --email and --password it
also signs in and resolves the returned access token to its user.
Each step prints PASS or FAIL; any failure exits 1.`,
		Args: cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			if (email == "") != (password == "") {
				return usageErr("--email and --password must be given together")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account to sign in with")
	cmd.Flags().StringVar(&password, "password", "", "Password for --email")

	cmd.RunE = s.withBackend(func(ctx context.Context, be *backend) error {
		failed := 0
		step := func(name string, fn func() error) {
			start := time.Now()
			err := fn()
			s.out.Check(name, err, time.Since(start))
			if err != nil {
				failed++
			}
		}

		step("backend reachable", func() error { return be.Ping(ctx) })

		if email != "" {
			var token string
			step("sign in", func() error {
				sess, err := be.Accounts.SignIn(ctx, email, password)
				if err != nil {
					return errors.New(describe(err))
				}
				if sess.AccessToken == "" {
					return errors.New("no access token returned")
				}
				token = sess.AccessToken
				return nil
			})
			step("fetch user", func() error {
				if token == "" {
					return errors.New("skipped: no session")
				}
				u, err := be.Users.GetUser(ctx, token)
				if err != nil {
					return err
				}
				if !strings.EqualFold(u.Email, email) {
					return fmt.Errorf("token belongs to %s", u.Email)
				}
				return nil
			})
		}

		step("list profiles", func() error {
			_, err := be.Accounts.ListProfiles(ctx, 5, 0)
			if err != nil {
				return errors.New(describe(err))
			}
			return nil
		})

		if failed > 0 {
			return &exitCodeError{code: exitFailure, msg: fmt.Sprintf("%d smoke check(s) failed", failed)}
		}
		s.out.Success("all smoke checks passed")
		return nil
	})
	return cmd
}
