package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/services/accounts"
)

func newAdminCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Bootstrap, repair and inspect admin accounts",
	}
	cmd.AddCommand(newAdminCreateCmd(s), newAdminRepairCmd(s), newAdminVerifyCmd(s), newAdminListCmd(s))
	return cmd
}

type ensureFlags struct {
	email    string
	password string
	name     string
	role     string
	create   bool
}

func (f *ensureFlags) request() (accounts.EnsureAdminRequest, error) {
	if strings.TrimSpace(f.email) == "" {
		return accounts.EnsureAdminRequest{}, usageErr("--email is required")
	}
	role := account.Role(strings.ToLower(strings.TrimSpace(f.role)))
	if role != "" && !role.IsAdmin() {
		return accounts.EnsureAdminRequest{}, usageErr("--role must be admin or super_admin")
	}
	return accounts.EnsureAdminRequest{
		Email:    f.email,
		Password: f.password,
		FullName: f.name,
		Role:     role,
		Create:   f.create,
	}, nil
}

func newAdminCreateCmd(s *session) *cobra.Command {
	f := &ensureFlags{create: true}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin user, or bring an existing one into shape",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&f.email, "email", "", "Admin email (required)")
	cmd.Flags().StringVar(&f.password, "password", "", "Password (required)")
	cmd.Flags().StringVar(&f.name, "name", "", "Full name")
	cmd.Flags().StringVar(&f.role, "role", string(account.RoleAdmin), "admin or super_admin")

	cmd.PreRunE = func(*cobra.Command, []string) error {
		if f.password == "" {
			return usageErr("--password is required")
		}
		_, err := f.request()
		return err
	}
	cmd.RunE = s.withBackend(func(ctx context.Context, be *backend) error {
		return ensureAdmin(ctx, s, be, f)
	})
	return cmd
}

func newAdminRepairCmd(s *session) *cobra.Command {
	f := &ensureFlags{}
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Fix the role and profile of an existing admin user",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&f.email, "email", "", "Admin email (required)")
	cmd.Flags().StringVar(&f.password, "password", "", "Reset the password")
	cmd.Flags().StringVar(&f.name, "name", "", "Full name")
	cmd.Flags().StringVar(&f.role, "role", string(account.RoleAdmin), "admin or super_admin")
	cmd.Flags().BoolVar(&f.create, "create", false, "Create the user when it does not exist")

	cmd.PreRunE = func(*cobra.Command, []string) error {
		_, err := f.request()
		return err
	}
	cmd.RunE = s.withBackend(func(ctx context.Context, be *backend) error {
		return ensureAdmin(ctx, s, be, f)
	})
	return cmd
}

func ensureAdmin(ctx context.Context, s *session, be *backend, f *ensureFlags) error {
	req, err := f.request()
	if err != nil {
		return err
	}
	report, err := be.Accounts.EnsureAdmin(ctx, req)
	if err != nil {
		return err
	}

	out := s.out
	out.Success("admin %s (user %s)", req.Email, report.UserID)
	step := func(done bool, what string) {
		if done {
			out.Info("%s", what)
		}
	}
	step(report.Created, "auth user created")
	step(report.PasswordReset, "password reset")
	step(report.RoleUpdated, "app_metadata role updated")
	step(report.ProfileRepaired, "profile row repaired")
	if !report.Created && !report.PasswordReset && !report.RoleUpdated && !report.ProfileRepaired {
		out.Info("nothing to change")
	}
	return nil
}

func newAdminVerifyCmd(s *session) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the auth user, profile and role agree",
		Args:  cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			if strings.TrimSpace(email) == "" {
				return usageErr("--email is required")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Admin email (required)")
	cmd.RunE = s.withBackend(func(ctx context.Context, be *backend) error {
		v, err := be.Accounts.VerifyAdmin(ctx, email)
		if err != nil {
			return err
		}
		if v.OK() {
			s.out.Success("%s is a consistent %s (user %s)", v.Email, v.ProfileRole, v.UserID)
			return nil
		}
		for _, p := range v.Problems {
			s.out.Error("%s", p)
		}
		return &exitCodeError{code: exitFailure, msg: v.Email + " is not a consistent admin"}
	})
	return cmd
}

func newAdminListCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles with an admin role",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = s.withBackend(func(ctx context.Context, be *backend) error {
		admins, err := be.Accounts.ListAdmins(ctx)
		if err != nil {
			return err
		}
		if len(admins) == 0 {
			s.out.Warning("no admin profiles found")
			return nil
		}
		rows := make([][]string, 0, len(admins))
		for _, p := range admins {
			rows = append(rows, []string{p.ID, p.Email, string(p.Role), p.FullName})
		}
		s.out.Table([]string{"ID", "EMAIL", "ROLE", "NAME"}, rows)
		return nil
	})
	return cmd
}
