package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alecgard/rentdesk/internal/account"
	"github.com/alecgard/rentdesk/internal/config"
	"github.com/alecgard/rentdesk/internal/role"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

const demoPassword = "rentdesk-demo1"

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo accounts covering every role signal",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

type demoAccount struct {
	input    account.CreateAccountInput
	property string // non-empty: the account owns a property with this name
	signal   string // how the resolver reaches the role
}

// demoAccounts exercise each step of role resolution.
var demoAccounts = []demoAccount{
	{
		input:  account.CreateAccountInput{Email: "admin@rentdesk.local", DisplayName: "Demo Admin", Role: "admin"},
		signal: "stored role",
	},
	{
		input:    account.CreateAccountInput{Email: "owner@rentdesk.local", DisplayName: "Demo Owner"},
		property: "12 Harbour View",
		signal:   "owns a property",
	},
	{
		input:  account.CreateAccountInput{Email: "invited.owner@rentdesk.local", DisplayName: "Invited Owner", Metadata: role.Metadata{InvitedAs: "owner"}},
		signal: "invitation metadata",
	},
	{
		input:  account.CreateAccountInput{Email: "tenant@rentdesk.local", DisplayName: "Demo Tenant"},
		signal: "default",
	},
	{
		input:  account.CreateAccountInput{Email: "maintenance@rentdesk.local", DisplayName: "Demo Maintenance", Role: "maintenance_specialist"},
		signal: "stored role",
	},
	{
		input:  account.CreateAccountInput{Email: "insurance@rentdesk.local", DisplayName: "Demo Insurance", Role: "insurance_specialist"},
		signal: "stored role",
	},
	{
		input:  account.CreateAccountInput{Email: "legal@rentdesk.local", DisplayName: "Demo Legal", Role: "legal_specialist"},
		signal: "stored role",
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	accounts := account.NewStore(pool)
	resolver := role.NewResolver(accounts, cfg.Auth.AdminEmails)

	fmt.Printf("\n=== Demo Accounts ===\n")
	for _, d := range demoAccounts {
		in := d.input
		in.Password = demoPassword

		acct, err := accounts.Create(ctx, in)
		if errors.Is(err, account.ErrEmailTaken) {
			slog.Info("demo account already exists, skipping", "email", in.Email)
			continue
		}
		if err != nil {
			return fmt.Errorf("creating %s: %w", in.Email, err)
		}

		if d.property != "" {
			if _, err := accounts.CreateProperty(ctx, acct.ID, d.property, "Demo Street"); err != nil {
				return err
			}
		}

		effective := resolver.Resolve(ctx, acct.ID, acct.Email, role.Metadata{})
		slog.Info("created demo account", "email", acct.Email, "id", acct.ID, "role", effective.String())
		fmt.Printf("%-30s %-24s via %s\n", acct.Email, effective, d.signal)
	}
	fmt.Printf("\nPassword for all demo accounts: %s\n", demoPassword)
	fmt.Printf("Sign in at %s/login\n", cfg.Site.BaseURL)

	return nil
}
