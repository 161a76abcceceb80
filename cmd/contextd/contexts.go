package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/openfleet/contextd/internal/audit"
	"github.com/openfleet/contextd/internal/contexts"
	"github.com/openfleet/contextd/internal/permission"
	"github.com/openfleet/contextd/internal/shared"
	"github.com/openfleet/contextd/internal/storage"
)

func runAddCommand(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: contextd add <agent-id> <title> [-content <text>] [-metadata <json>] [-seq <n>]")
		return 2
	}
	agentID, title := args[0], args[1]

	fs := flag.NewFlagSet("contextd add", flag.ContinueOnError)
	content := fs.String("content", "", "context body (read from stdin when omitted)")
	metadata := fs.String("metadata", "", "metadata JSON object")
	seq := fs.Int64("seq", 0, "sequence number (0 means none)")
	if err := fs.Parse(args[2:]); err != nil {
		return 2
	}

	body := *content
	if body == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			return 1
		}
		body = string(data)
	}
	if strings.TrimSpace(body) == "" {
		fmt.Fprintln(os.Stderr, "Empty content; pass -content or pipe a body on stdin")
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

	// The context is stored under the agent's current session.
	rec, err := store.GetAgentPermission(ctx, agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error looking up agent: %v\n", err)
		return 1
	}
	if rec.SessionID == "" {
		fmt.Fprintf(os.Stderr, "Agent %s has no session; run `contextd seed assign` first\n", agentID)
		return 2
	}

	params := storage.AddContextParams{
		AgentID:   agentID,
		SessionID: rec.SessionID,
		ProjectID: rec.ProjectID,
		Title:     title,
		Content:   body,
		Metadata:  *metadata,
	}
	if *seq > 0 {
		params.SequenceNumber = seq
	}
	id, err := store.AddContext(ctx, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error storing context: %v\n", err)
		return 1
	}
	fmt.Printf("Stored context %d for %s\n", id, agentID)
	return 0
}

func runListCommand(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: contextd list <agent-id> [-limit <n>] [-metadata] [-json]")
		return 2
	}
	agentID := args[0]

	fs := flag.NewFlagSet("contextd list", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "page size (default from config)")
	includeMetadata := fs.Bool("metadata", false, "include parsed metadata")
	jsonOutput := fs.Bool("json", false, "emit JSON instead of text")
	if err := fs.Parse(args[1:]); err != nil {
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

	sink, err := audit.NewSink(cfg.HomeDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audit log: %v\n", err)
		return 1
	}
	defer sink.Close()

	cache := permission.NewCache(time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheMaxEntries)
	resolver := permission.NewResolver(store, cache, logger, nil)
	manager := permission.NewManager(store, resolver, logger, nil)
	engine := contexts.NewEngine(store, resolver, manager, sink, logger, nil)

	if *limit <= 0 {
		*limit = cfg.DefaultListLimit
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	result, err := engine.ListContexts(ctx, agentID, *limit, *includeMetadata)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing contexts: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("Access level: %s", result.EffectiveLevel)
	if result.FallbackFrom != "" {
		fmt.Printf(" (fell back from %s: membership missing)", result.FallbackFrom)
	}
	fmt.Printf("\nShowing %d of %d contexts\n", len(result.Contexts), result.TotalAvailable)

	for _, rec := range result.Contexts {
		header := fmt.Sprintf("[%d] %s  %s", rec.ID, rec.CreatedAt.Format(time.RFC3339), rec.Title)
		if rec.AgentName != "" {
			header += fmt.Sprintf("  by %s", rec.AgentName)
		}
		if rec.TeamName != "" {
			header += fmt.Sprintf(" (%s)", rec.TeamName)
		}
		if rec.AccessReason != "" {
			header += fmt.Sprintf("  [%s]", rec.AccessReason)
		}
		fmt.Println(header)
		fmt.Printf("    %s\n", snippet(rec.Content, 120))
		if *includeMetadata && len(rec.Metadata) > 0 {
			meta, _ := json.Marshal(rec.Metadata)
			fmt.Printf("    metadata: %s\n", meta)
		}
	}
	return 0
}

func snippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
