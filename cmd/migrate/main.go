// Command migrate applies the embedded goose migrations to Postgres.
//
//	migrate up
//	migrate down
//	migrate status
//	migrate up-to 3
//	migrate --database-url postgres://... redo
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/settlegate/migrations"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbURL string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the settlegate database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	run := func(command string, withVersion bool) *cobra.Command {
		cmd := &cobra.Command{
			Use:  command,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), dbURL, command, args)
			},
		}
		if withVersion {
			cmd.Use = command + " <version>"
			cmd.Args = versionArg
		}
		return cmd
	}

	up := run("up", false)
	up.Short = "Apply all pending migrations"
	down := run("down", false)
	down.Short = "Roll back the last migration"
	redo := run("redo", false)
	redo.Short = "Roll back and re-apply the last migration"
	status := run("status", false)
	status.Short = "Show applied and pending migrations"
	version := run("version", false)
	version.Short = "Print the current schema version"
	upTo := run("up-to", true)
	upTo.Short = "Migrate up to a version"
	downTo := run("down-to", true)
	downTo.Short = "Roll back to a version"

	root.AddCommand(up, down, redo, status, version, upTo, downTo)
	return root
}

func versionArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
		return fmt.Errorf("version %q is not a number", args[0])
	}
	return nil
}

func migrate(ctx context.Context, dbURL, command string, args []string) error {
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL or --database-url is required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
