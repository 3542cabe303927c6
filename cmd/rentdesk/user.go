package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecgard/rentdesk/internal/account"
	"github.com/alecgard/rentdesk/internal/auth"
	"github.com/alecgard/rentdesk/internal/config"
	"github.com/alecgard/rentdesk/internal/role"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts",
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin <email>",
	Short: "Create an administrator account, prompting for its password",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateAdmin,
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password <email>",
	Short: "Replace an account's password, prompting for the new one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetPassword,
}

var adminDisplayName string

func init() {
	createAdminCmd.Flags().StringVar(&adminDisplayName, "name", "", "display name")
	userCmd.AddCommand(createAdminCmd)
	userCmd.AddCommand(setPasswordCmd)
	rootCmd.AddCommand(userCmd)
}

func runCreateAdmin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	email := account.NormalizeEmail(args[0])
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email %q", args[0])
	}

	password, err := promptPassword(cmd, cfg.Auth.MinPasswordChars)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	acct, err := account.NewStore(pool).Create(ctx, account.CreateAccountInput{
		Email:       email,
		Password:    password,
		DisplayName: adminDisplayName,
		Role:        role.Admin.String(),
	})
	if errors.Is(err, account.ErrEmailTaken) {
		return fmt.Errorf("an account for %s already exists; use PUT /api/admin/users/{id}/role to promote it or `user set-password` to recover it", email)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", acct.Email, acct.ID)
	return nil
}

func runSetPassword(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	password, err := promptPassword(cmd, cfg.Auth.MinPasswordChars)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	acct, err := setPassword(ctx, account.NewStore(pool), args[0], password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s (%s)\n", acct.Email, acct.ID)
	return nil
}

// passwordSetter is the part of account.Store used by set-password.
type passwordSetter interface {
	GetByEmail(ctx context.Context, email string) (*account.Account, error)
	SetPassword(ctx context.Context, id, password string) error
}

// setPassword looks the account up by email and replaces its password,
// which also voids any pending reset token.
func setPassword(ctx context.Context, store passwordSetter, email, password string) (*account.Account, error) {
	acct, err := store.GetByEmail(ctx, account.NormalizeEmail(email))
	if errors.Is(err, account.ErrNotFound) {
		return nil, fmt.Errorf("no account for %s", email)
	}
	if err != nil {
		return nil, err
	}
	if err := store.SetPassword(ctx, acct.ID, password); err != nil {
		return nil, err
	}
	return acct, nil
}

// promptPassword reads the password twice without echo when stdin is a
// terminal, or once from a pipe otherwise.
func promptPassword(cmd *cobra.Command, minChars int) (string, error) {
	out := cmd.ErrOrStderr()
	fd := int(os.Stdin.Fd())

	var password string
	if term.IsTerminal(fd) {
		fmt.Fprint(out, "Password: ")
		first, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		fmt.Fprint(out, "Confirm password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		password = string(first)
	} else {
		p, err := readPipedPassword(cmd.InOrStdin())
		if err != nil {
			return "", err
		}
		password = p
	}

	if err := auth.ValidatePassword(password, minChars); err != nil {
		return "", err
	}
	return password, nil
}

// readPipedPassword reads the first line of r.
func readPipedPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
