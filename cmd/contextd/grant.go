package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/openfleet/contextd/internal/permission"
)

func runGrantCommand(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: contextd grant <agent-id> <level> -by <actor> [-reason <text>] [-expires-in <dur>]")
		return 2
	}
	agentID, level := args[0], args[1]

	fs := flag.NewFlagSet("contextd grant", flag.ContinueOnError)
	grantedBy := fs.String("by", "", "who is granting the change (required)")
	reason := fs.String("reason", "", "free-text reason recorded in the history")
	expiresIn := fs.Duration("expires-in", 0, "grant lifetime, e.g. 24h (0 means no expiry)")
	if err := fs.Parse(args[2:]); err != nil {
		return 2
	}

	cfg, logger, closer, err := loadCLIConfig()
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

	resolver := permission.NewResolver(store, nil, logger, nil)
	manager := permission.NewManager(store, resolver, logger, nil)

	req := permission.UpdateRequest{
		AgentID:   agentID,
		NewLevel:  level,
		GrantedBy: *grantedBy,
		Reason:    *reason,
	}
	if *expiresIn > 0 {
		exp := time.Now().Add(*expiresIn).UTC()
		req.ExpiresAt = &exp
	}
	if err := manager.UpdatePermission(ctx, req); err != nil {
		fmt.Fprintf(os.Stderr, "Grant failed: %v\n", err)
		return 1
	}

	if req.ExpiresAt != nil {
		fmt.Printf("Agent %s now %s (expires %s)\n", agentID, level, req.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Agent %s now %s\n", agentID, level)
	}
	return 0
}

func runHistoryCommand(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: contextd history <agent-id> [-limit <n>]")
		return 2
	}
	agentID := args[0]

	fs := flag.NewFlagSet("contextd history", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum entries to show")
	if err := fs.Parse(args[1:]); err != nil {
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

	entries, err := store.ListHistory(ctx, agentID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing history: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Printf("No permission history for %s\n", agentID)
		return 0
	}

	for _, e := range entries {
		from := e.OldLevel
		if from == "" {
			from = "(unset)"
		}
		line := fmt.Sprintf("%s  %s -> %s  by %s",
			e.CreatedAt.Format(time.RFC3339), from, e.NewLevel, e.GrantedBy)
		if e.Reason != "" {
			line += fmt.Sprintf("  (%s)", e.Reason)
		}
		fmt.Println(line)
	}
	return 0
}
