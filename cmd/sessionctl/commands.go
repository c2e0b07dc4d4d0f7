package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	oa "github.com/panyam/monitorauth"
)

// readSecret returns value, or reads one line from stdin when it is empty
func readSecret(cmd *cobra.Command, value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt+": ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printUser(cmd *cobra.Command, user *oa.User) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(user)
}

func newLoginCmd(a *app) *cobra.Command {
	var identifier, password string
	var remember bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a username or email",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret(cmd, password, "Password")
			if err != nil {
				return err
			}
			user, err := a.session.Login(cmd.Context(), identifier, pw, remember)
			if err != nil {
				return err
			}
			printf(cmd, "signed in as %s\n", user.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&identifier, "user", "u", "", "username or email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when empty)")
	cmd.Flags().BoolVar(&remember, "remember", true, "keep the session across restarts")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var username, email, password string
	var remember bool

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret(cmd, password, "Password")
			if err != nil {
				return err
			}
			user, err := a.session.Register(cmd.Context(), username, email, pw, remember)
			if err != nil {
				return err
			}
			printf(cmd, "registered and signed in as %s\n", user.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when empty)")
	cmd.Flags().BoolVar(&remember, "remember", true, "keep the session across restarts")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.session.Logout(cmd.Context())
			printf(cmd, "signed out\n")
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate the stored session, refreshing it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.session.ValidateAndRefreshIfNeeded(cmd.Context())
			switch {
			case ok:
				printf(cmd, "authenticated\n")
			case err == nil || errors.Is(err, oa.ErrUnauthorized):
				printf(cmd, "not signed in\n")
			default:
				// still holding a pair we could not confirm
				printf(cmd, "%s (unconfirmed: %s)\n", a.session.State(), oa.MessageOf(err))
			}
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed in user's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := a.session.GetCurrentUser(cmd.Context())
			if err != nil {
				return err
			}
			return printUser(cmd, user)
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	var username, email, password, current string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change username, email or password",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req oa.UpdateUserRequest
			if cmd.Flags().Changed("username") {
				req.Username = &username
			}
			if cmd.Flags().Changed("email") {
				req.Email = &email
			}
			if cmd.Flags().Changed("password") {
				req.Password = &password
				cur, err := readSecret(cmd, current, "Current password")
				if err != nil {
					return err
				}
				req.CurrentPassword = &cur
			}
			user, err := a.session.UpdateCurrentUser(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printUser(cmd, user)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "new username")
	cmd.Flags().StringVar(&email, "email", "", "new email")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	cmd.Flags().StringVar(&current, "current-password", "", "current password, required with --password")
	return cmd
}

func newDeleteAccountCmd(a *app) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "delete-account",
		Short: "Permanently delete the signed in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret(cmd, password, "Current password")
			if err != nil {
				return err
			}
			msg, err := a.session.DeleteCurrentUser(cmd.Context(), pw)
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", msg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "current password (read from stdin when empty)")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and print state changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd, a)
		},
	}
}

func watch(ctx context.Context, cmd *cobra.Command, a *app) error {
	updates, cancel := a.session.Subscribe()
	defer cancel()

	if _, err := a.session.ValidateAndRefreshIfNeeded(ctx); err != nil && !errors.Is(err, oa.ErrUnauthorized) {
		printf(cmd, "validation failed: %s\n", oa.MessageOf(err))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-updates:
			if !ok {
				return nil
			}
			printf(cmd, "%s\n", state)
			if state == oa.Unauthenticated {
				return nil
			}
		}
	}
}
