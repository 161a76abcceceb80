package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/openfleet/contextd/internal/migrate"
)

func runMigrateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("contextd migrate", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report what would change without mutating anything")
	yes := fs.Bool("yes", false, "skip the interactive confirmation")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, closer, err := loadCLIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	defer closer.Close()

	if !*dryRun && !confirm(*yes,
		fmt.Sprintf("This rewrites the contexts table of %s. A backup is taken first. Continue?", cfg.DBPath)) {
		return 2
	}

	m := migrate.New(migrate.Options{
		DBPath:        cfg.DBPath,
		BusyTimeoutMS: cfg.BusyTimeoutMS,
		ChunkSize:     cfg.ChunkSize,
		OverlapRatio:  cfg.ChunkOverlapRatio,
		DryRun:        *dryRun,
		Logger:        logger,
	})
	report, err := m.MigrateChunks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		return 1
	}

	fmt.Printf("Schema version: %s\n", report.Version)
	if report.DryRun {
		fmt.Printf("Dry run: %d legacy rows would migrate (%d empty rows skipped)\n",
			report.LegacyRows-report.EmptyRows, report.EmptyRows)
		return 0
	}
	if !report.Applied {
		fmt.Println("Nothing to migrate")
		return 0
	}
	fmt.Printf("Backup: %s\n", report.BackupPath)
	fmt.Printf("Migrated %d contexts into %d chunks (%d already present, %d skipped)\n",
		report.MigratedRows, report.ChunkRows, report.AlreadyMigrated, report.SkippedRows)
	if !report.VectorSupport {
		fmt.Println("Vector extension unavailable; similarity search stays disabled")
	}
	return 0
}

func runMigratePermissionsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("contextd migrate-permissions", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report what would change without mutating anything")
	yes := fs.Bool("yes", false, "skip the interactive confirmation")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, closer, err := loadCLIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	defer closer.Close()

	if !*dryRun && !confirm(*yes,
		fmt.Sprintf("This alters the agents table of %s. A backup is taken first. Continue?", cfg.DBPath)) {
		return 2
	}

	m := migrate.New(migrate.Options{
		DBPath:        cfg.DBPath,
		BusyTimeoutMS: cfg.BusyTimeoutMS,
		DryRun:        *dryRun,
		Logger:        logger,
	})
	report, err := m.MigratePermissions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		return 1
	}

	if report.DryRun {
		fmt.Printf("Dry run: would add columns %v and upgrade %d team-assigned agents\n",
			report.ColumnsAdded, report.UpgradedAgents)
		return 0
	}
	fmt.Printf("Backup: %s\n", report.BackupPath)
	fmt.Printf("Columns added: %d, agents backfilled: %d, agents upgraded: %d\n",
		len(report.ColumnsAdded), report.BackfilledAgents, report.UpgradedAgents)
	fmt.Printf("Default rules seeded: %d session, %d team\n", report.SessionRules, report.TeamRules)
	return 0
}

// confirm gates a mutating migration. Non-interactive sessions must pass
// -yes explicitly.
func confirm(yes bool, prompt string) bool {
	if yes {
		return true
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stderr, "Non-interactive session; pass -yes to proceed")
		return false
	}
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		fmt.Fprintln(os.Stderr, "Aborted")
		return false
	}
}
