package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/openfleet/contextd/internal/storage"
)

func printSeedUsage() {
	fmt.Fprintln(os.Stderr, `usage:
  contextd seed project <name> [-id <id>] [-desc <text>]
  contextd seed session <name> -project <id> [-id <id>] [-desc <text>]
  contextd seed team <name> -session <id> [-id <id>] [-desc <text>]
  contextd seed agent <id> <name> [-session <id>] [-team <id>]
  contextd seed assign <agent-id> -session <id> [-team <id>]`)
}

func runSeedCommand(ctx context.Context, args []string) int {
	if len(args) < 1 {
		printSeedUsage()
		return 2
	}

	cfg, _, closer, err := loadCLIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	defer closer.Close()

	store, err := openCLIStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		return 1
	}
	defer store.Close()

	switch strings.ToLower(args[0]) {
	case "project":
		return seedProject(ctx, store, args[1:])
	case "session":
		return seedSession(ctx, store, args[1:])
	case "team":
		return seedTeam(ctx, store, args[1:])
	case "agent":
		return seedAgent(ctx, store, args[1:])
	case "assign":
		return seedAssign(ctx, store, args[1:])
	default:
		printSeedUsage()
		return 2
	}
}

func seedProject(ctx context.Context, store *storage.Store, args []string) int {
	if len(args) < 1 {
		printSeedUsage()
		return 2
	}
	name := args[0]
	fs := flag.NewFlagSet("contextd seed project", flag.ContinueOnError)
	id := fs.String("id", "", "explicit id (generated when omitted)")
	desc := fs.String("desc", "", "description")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	created, err := store.CreateProject(ctx, *id, name, *desc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating project: %v\n", err)
		return 1
	}
	fmt.Printf("Project %s (%s)\n", name, created)
	return 0
}

func seedSession(ctx context.Context, store *storage.Store, args []string) int {
	if len(args) < 1 {
		printSeedUsage()
		return 2
	}
	name := args[0]
	fs := flag.NewFlagSet("contextd seed session", flag.ContinueOnError)
	id := fs.String("id", "", "explicit id (generated when omitted)")
	project := fs.String("project", "", "project id (required)")
	desc := fs.String("desc", "", "description")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *project == "" {
		fmt.Fprintln(os.Stderr, "-project is required")
		return 2
	}
	created, err := store.CreateSession(ctx, *id, name, *project, *desc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating session: %v\n", err)
		return 1
	}
	fmt.Printf("Session %s (%s)\n", name, created)
	return 0
}

func seedTeam(ctx context.Context, store *storage.Store, args []string) int {
	if len(args) < 1 {
		printSeedUsage()
		return 2
	}
	name := args[0]
	fs := flag.NewFlagSet("contextd seed team", flag.ContinueOnError)
	id := fs.String("id", "", "explicit id (generated when omitted)")
	session := fs.String("session", "", "session id (required)")
	desc := fs.String("desc", "", "description")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		return 2
	}
	created, err := store.CreateTeam(ctx, *id, name, *session, *desc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating team: %v\n", err)
		return 1
	}
	fmt.Printf("Team %s (%s)\n", name, created)
	return 0
}

func seedAgent(ctx context.Context, store *storage.Store, args []string) int {
	if len(args) < 2 {
		printSeedUsage()
		return 2
	}
	id, name := args[0], args[1]
	fs := flag.NewFlagSet("contextd seed agent", flag.ContinueOnError)
	session := fs.String("session", "", "session id")
	team := fs.String("team", "", "team id")
	if err := fs.Parse(args[2:]); err != nil {
		return 2
	}
	if err := store.CreateAgent(ctx, id, name, *session, *team); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating agent: %v\n", err)
		return 1
	}
	fmt.Printf("Agent %s (%s) at self_only\n", name, id)
	return 0
}

func seedAssign(ctx context.Context, store *storage.Store, args []string) int {
	if len(args) < 1 {
		printSeedUsage()
		return 2
	}
	agentID := args[0]
	fs := flag.NewFlagSet("contextd seed assign", flag.ContinueOnError)
	session := fs.String("session", "", "session id (required)")
	team := fs.String("team", "", "team id")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		return 2
	}
	if err := store.AssignAgent(ctx, agentID, *session, *team); err != nil {
		fmt.Fprintf(os.Stderr, "Error assigning agent: %v\n", err)
		return 1
	}
	fmt.Printf("Agent %s assigned to session %s\n", agentID, *session)
	return 0
}
