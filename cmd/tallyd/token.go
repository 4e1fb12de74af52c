package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tally-io/tally/internal/auth"
	"github.com/tally-io/tally/internal/datastore"
)

func runToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "issue":
		runTokenIssue(args[1:])
	case "revoke":
		runTokenRevoke(args[1:])
	case "help", "-h", "--help":
		printTokenUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown token command: %s\n\n", args[0])
		printTokenUsage()
		os.Exit(1)
	}
}

func printTokenUsage() {
	fmt.Println(`Usage: tallyd token <command> [options]

Commands:
  issue       Issue a token for a user and create the user's profile
  revoke      Revoke a token`)
}

func runTokenIssue(args []string) {
	fs := flag.NewFlagSet("token issue", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	userID := fs.String("user", "", "User ID (required)")
	email := fs.String("email", "", "User email")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(1)
	}

	store := mustOpenDatastore(*configPath)
	defer store.Close()

	if err := issueToken(context.Background(), os.Stdout, store, auth.User{ID: *userID, Email: *email}); err != nil {
		fmt.Fprintf(os.Stderr, "issue failed: %v\n", err)
		os.Exit(1)
	}
}

func runTokenRevoke(args []string) {
	fs := flag.NewFlagSet("token revoke", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	token := fs.String("token", "", "Token to revoke (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "-token is required")
		os.Exit(1)
	}

	store := mustOpenDatastore(*configPath)
	defer store.Close()

	if err := auth.NewTokenProvider(store).Revoke(context.Background(), *token); err != nil {
		fmt.Fprintf(os.Stderr, "revoke failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("token revoked")
}

func mustOpenDatastore(configPath string) datastore.Store {
	cfg := mustLoadConfig(configPath)
	store, err := openDatastore(context.Background(), cfg.Datastore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open datastore: %v\n", err)
		os.Exit(1)
	}
	return store
}

// issueToken ensures the user's profile exists and prints a new token.
func issueToken(ctx context.Context, out io.Writer, store datastore.Store, u auth.User) error {
	profile, err := auth.NewProfileStore(store).Ensure(ctx, u)
	if err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	token, err := auth.NewTokenProvider(store).Issue(ctx, u)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user:  %s (%s)\ntoken: %s\n", profile.ID, profile.Alias, token)
	return nil
}
