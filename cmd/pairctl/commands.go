package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whisper/roulette/internal/config"
	"github.com/whisper/roulette/internal/profile"
)

// app opens backends on first use, so commands that need only Redis work
// without a database and vice versa. Tests preset the stores.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	// useCache routes grant changes through the shared tier cache.
	useCache bool

	db       *sql.DB
	rdb      *redis.Client
	grants   profile.GrantStore
	profiles profile.Store
}

func newApp(cfg config.Config, logger *slog.Logger) *app {
	return &app{cfg: cfg, logger: logger, now: time.Now, useCache: true}
}

func (a *app) database(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if a.cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	db, err := profile.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) redis() *redis.Client {
	if a.rdb == nil {
		a.rdb = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, DB: a.cfg.RedisDB})
	}
	return a.rdb
}

func (a *app) grantStore(ctx context.Context) (profile.GrantStore, error) {
	if a.grants != nil {
		return a.grants, nil
	}
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	a.grants = profile.NewPostgresGrantStore(db)
	return a.grants, nil
}

func (a *app) profileStore() profile.Store {
	if a.profiles == nil {
		a.profiles = profile.NewRedisStore(a.redis(), a.logger)
	}
	return a.profiles
}

// directory shares the matcher's tier cache so grant changes take effect
// at once.
func (a *app) directory(ctx context.Context) (*profile.Directory, error) {
	grants, err := a.grantStore(ctx)
	if err != nil {
		return nil, err
	}
	var cache *redis.Client
	if a.useCache {
		cache = a.redis()
	}
	return profile.NewDirectory(grants, cache, a.logger), nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "pairctl",
		Short:         "Roulette operator commands",
		SilenceUsage: true,
	}
	root.AddCommand(
		newMigrateCommand(a),
		newGrantCommand(a),
		newRevokeCommand(a),
		newTierCommand(a),
		newProfileCommand(a),
	)
	return root
}

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Priority grant schema migrations"}

	run := func(name string, fn func(*sql.DB) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: "Apply " + name + " migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := a.database(cmd.Context())
				if err != nil {
					return err
				}
				if err := fn(db); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", name)
				return nil
			},
		}
	}
	version := &cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.database(cmd.Context())
			if err != nil {
				return err
			}
			v, dirty, err := profile.MigrationVersion(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(run("up", profile.MigrateUp), run("down", profile.MigrateDown), version)
	return cmd
}

func newGrantCommand(a *app) *cobra.Command {
	var (
		duration time.Duration
		kind     string
	)
	cmd := &cobra.Command{
		Use:   "grant <user>",
		Short: "Give a user priority matching for a period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration <= 0 {
				return errors.New("--for must be positive")
			}
			k, err := profile.ParseGrantKind(kind)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			dir, err := a.directory(ctx)
			if err != nil {
				return err
			}

			now := a.now()
			g := profile.Grant{UserID: args[0], Kind: k, GrantedAt: now, ExpiresAt: now.Add(duration)}
			if err := a.grants.Grant(ctx, g); err != nil {
				return err
			}
			if err := dir.Invalidate(ctx, g.UserID); err != nil {
				a.logger.Warn("tier cache invalidation failed", "user", g.UserID, "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s until %s\n", k, g.UserID, g.ExpiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 30*24*time.Hour, "grant duration")
	cmd.Flags().StringVar(&kind, "kind", string(profile.GrantSubscription), "grant kind (subscription|trial)")
	return cmd
}

func newRevokeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user>",
		Short: "Remove a user's priority grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir, err := a.directory(ctx)
			if err != nil {
				return err
			}
			n, err := a.grants.Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			if err := dir.Invalidate(ctx, args[0]); err != nil {
				a.logger.Warn("tier cache invalidation failed", "user", args[0], "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d grant(s) from %s\n", n, args[0])
			return nil
		},
	}
}

func newTierCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tier <user>",
		Short: "Show a user's matching tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory(cmd.Context())
			if err != nil {
				return err
			}
			tier, err := dir.TierOf(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tier)
			return nil
		},
	}
}

func newProfileCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Inspect or edit user profiles"}

	get := &cobra.Command{
		Use:   "get <user>",
		Short: "Print a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.profileStore().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Describe())
			return nil
		},
	}
	set := &cobra.Command{
		Use:   "set <user> <field> <value>",
		Short: "Set gender (M|F) or age_range (12-20|21-30|31-40)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.profileStore()
			p, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p, err = p.Apply(args[1], args[2])
			if err != nil {
				return err
			}
			if err := store.Set(cmd.Context(), args[0], p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Describe())
			return nil
		},
	}
	reset := &cobra.Command{
		Use:   "reset <user>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.profileStore().Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile of %s reset\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(get, set, reset)
	return cmd
}
