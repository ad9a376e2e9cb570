package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"campuschat/internal/app"
	"campuschat/internal/auth"
	"campuschat/internal/config"
	"campuschat/pkg/types"
)

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "campuschat:", err)
		os.Exit(1)
	}
}

const usage = `usage: campuschat [serve | token -user ID -role ROLE [-name NAME] [-ttl D] | enroll|unenroll -course ID STUDENT...]`

// run dispatches subcommands; serving is the default.
func run(args []string, out io.Writer) error {
	// STEP 1: Load configuration with precedence (file > env > .env > defaults)
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.LoadConfigWithPrecedence(os.Getenv(config.ConfigFileEnv))
	if err != nil {
		return err
	}

	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		return serve(cfg)
	case "token":
		return issueToken(cfg, args, out)
	case "enroll", "unenroll":
		return enroll(cfg, command, args, out)
	default:
		return errors.Errorf("unknown command %q\n%s", command, usage)
	}
}

// ARCHITECTURAL DISCOVERY: Separate serve function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func serve(cfg *config.Config) error {
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return errors.Wrap(err, "create application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return errors.Wrap(err, "start application")
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return application.Stop(shutdownCtx)
}

// issueToken prints a signed token for local testing against the configured secret.
func issueToken(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	user := fs.String("user", "", "user ID (token subject)")
	role := fs.String("role", string(types.RoleStudent), "student, teacher or admin")
	name := fs.String("name", "", "display name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	identity := types.Identity{UserID: *user, Role: types.Role(*role), Name: *name}
	if !types.IsValidUserID(identity.UserID) {
		return errors.Errorf("invalid user ID %q", identity.UserID)
	}
	if !identity.Role.Valid() {
		return errors.Errorf("invalid role %q", *role)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(identity, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// enroll adds students to, or removes them from, a course roster.
func enroll(cfg *config.Config, command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(out)
	course := fs.String("course", "", "course ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	students := fs.Args()
	if *course == "" || len(students) == 0 {
		return errors.New(usage)
	}
	for _, id := range students {
		if !types.IsValidUserID(id) {
			return errors.Errorf("invalid student ID %q", id)
		}
	}

	application, err := app.NewApplication(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = application.Stop(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()

	// the cache-aware roster drops cached course rosters on change
	rosters := application.Rosters()
	change, format := rosters.Enroll, "enrolled %d students in %s\n"
	if command == "unenroll" {
		change, format = rosters.Unenroll, "unenrolled %d students from %s\n"
	}
	if err := change(ctx, *course, students...); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, format, len(students), *course)
	return err
}
