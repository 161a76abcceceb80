package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfleet/contextd/internal/faults"
	"github.com/openfleet/contextd/internal/storage"
)

// MigrationActor attributes migration-driven permission changes in the
// audit history.
const MigrationActor = "schema_migration"

// permissionColumns are added to agents when missing. ALTER TABLE cannot
// attach a CHECK constraint; validation enforces the level set instead.
var permissionColumns = []struct {
	name string
	ddl  string
}{
	{"access_level", `ALTER TABLE agents ADD COLUMN access_level TEXT NOT NULL DEFAULT 'self_only';`},
	{"permission_granted_by", `ALTER TABLE agents ADD COLUMN permission_granted_by TEXT;`},
	{"permission_granted_at", `ALTER TABLE agents ADD COLUMN permission_granted_at DATETIME;`},
	{"permission_expires_at", `ALTER TABLE agents ADD COLUMN permission_expires_at DATETIME;`},
}

// PermissionReport summarizes one permission-schema migration run.
type PermissionReport struct {
	BackupPath       string
	ColumnsAdded     []string
	BackfilledAgents int
	UpgradedAgents   int
	SessionRules     int
	TeamRules        int
	DryRun           bool
	Applied          bool
}

// MigratePermissions brings the agents table onto the three-tier model:
// backup, add columns, create audit and rule tables, backfill self_only,
// upgrade team-assigned agents with an audit row each, seed default rules,
// validate. Validation failure restores the backup.
func (m *Migrator) MigratePermissions(ctx context.Context) (*PermissionReport, error) {
	db, err := storage.OpenRaw(m.dbPath, m.busyTimeoutMS)
	if err != nil {
		return nil, err
	}
	closed := false
	defer func() {
		if !closed {
			_ = db.Close()
		}
	}()

	hasAgents, err := storage.TableExists(ctx, db, "agents")
	if err != nil {
		return nil, err
	}
	if !hasAgents {
		return nil, fmt.Errorf("%w: no agents table in %s; nothing to migrate", faults.ErrConfiguration, m.dbPath)
	}

	report := &PermissionReport{DryRun: m.dryRun}
	cols, err := storage.TableColumns(ctx, db, "agents")
	if err != nil {
		return nil, err
	}
	for _, col := range permissionColumns {
		if !cols[col.name] {
			report.ColumnsAdded = append(report.ColumnsAdded, col.name)
		}
	}

	if m.dryRun {
		if cols["team_id"] && cols["access_level"] {
			if err := db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM agents
				WHERE team_id IS NOT NULL AND access_level = 'self_only';
			`).Scan(&report.UpgradedAgents); err != nil {
				return nil, fmt.Errorf("count upgradable agents: %w", err)
			}
		}
		m.logger.Info("dry run: no changes applied",
			"columns_to_add", report.ColumnsAdded,
			"agents_to_upgrade", report.UpgradedAgents)
		return report, nil
	}

	backupPath, err := CreateBackup(ctx, db, m.dbPath, "permissions")
	if err != nil {
		return nil, err
	}
	report.BackupPath = backupPath
	m.logger.Info("backup created", "path", backupPath)

	if err := m.runPermissionSteps(ctx, db, report); err != nil {
		_ = db.Close()
		closed = true
		if rbErr := Restore(m.dbPath, backupPath); rbErr != nil {
			return nil, fmt.Errorf("permission migration failed: %w; rollback from %s also failed: %v", err, backupPath, rbErr)
		}
		m.logger.Error("permission migration failed, database restored", "backup", backupPath, "error", err)
		return nil, fmt.Errorf("permission migration failed, database restored from %s: %w", backupPath, err)
	}

	report.Applied = true
	return report, nil
}

func (m *Migrator) runPermissionSteps(ctx context.Context, db *sql.DB, report *PermissionReport) error {
	if err := m.addPermissionColumns(ctx, db, report); err != nil {
		return err
	}
	if err := m.createPermissionTables(ctx, db); err != nil {
		return err
	}
	if err := m.backfillDefaults(ctx, db, report); err != nil {
		return err
	}
	if err := m.upgradeTeamAgents(ctx, db, report); err != nil {
		return err
	}
	if err := m.seedDefaultRules(ctx, db, report); err != nil {
		return err
	}
	m.createPermissionIndexes(ctx, db)
	if err := m.validatePermissions(ctx, db); err != nil {
		return err
	}
	if m.verifyHook != nil {
		if err := m.verifyHook(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) addPermissionColumns(ctx context.Context, db *sql.DB, report *PermissionReport) error {
	added := map[string]bool{}
	for _, name := range report.ColumnsAdded {
		added[name] = true
	}
	for _, col := range permissionColumns {
		if !added[col.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

func (m *Migrator) createPermissionTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_permission_history (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			old_access_level TEXT,
			new_access_level TEXT NOT NULL,
			granted_by TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS permission_rules (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			team_id TEXT,
			default_access_level TEXT NOT NULL DEFAULT 'self_only',
			auto_grant_team_level INTEGER NOT NULL DEFAULT 0,
			auto_grant_session_level INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create permission tables: %w", err)
		}
	}
	return nil
}

func (m *Migrator) backfillDefaults(ctx context.Context, db *sql.DB, report *PermissionReport) error {
	res, err := db.ExecContext(ctx, `
		UPDATE agents SET access_level = 'self_only'
		WHERE access_level IS NULL OR access_level = '';
	`)
	if err != nil {
		return fmt.Errorf("backfill access levels: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("backfill rows affected: %w", err)
	}
	report.BackfilledAgents = int(n)
	return nil
}

// upgradeTeamAgents promotes agents already assigned to a team, one audit
// row each. Only untouched self_only agents qualify; an operator's explicit
// grants survive re-runs.
func (m *Migrator) upgradeTeamAgents(ctx context.Context, db *sql.DB, report *PermissionReport) error {
	cols, err := storage.TableColumns(ctx, db, "agents")
	if err != nil {
		return err
	}
	if !cols["team_id"] {
		return nil
	}

	deletedFilter := ""
	if cols["deleted_at"] {
		deletedFilter = "AND deleted_at IS NULL"
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM agents
		WHERE team_id IS NOT NULL AND access_level = 'self_only'
			AND permission_granted_by IS NULL %s;
	`, deletedFilter))
	if err != nil {
		return fmt.Errorf("select team-assigned agents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate team-assigned agents: %w", err)
	}

	for _, id := range ids {
		if err := m.upgradeOneAgent(ctx, db, id); err != nil {
			return err
		}
		report.UpgradedAgents++
	}
	return nil
}

func (m *Migrator) upgradeOneAgent(ctx context.Context, db *sql.DB, agentID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upgrade tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE agents
		SET access_level = 'team_level',
			permission_granted_by = ?,
			permission_granted_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, MigrationActor, agentID)
	if err != nil {
		return fmt.Errorf("upgrade agent %s: %w", agentID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_permission_history
			(id, agent_id, old_access_level, new_access_level, granted_by, reason)
		VALUES (?, ?, 'self_only', 'team_level', ?, 'Team-assigned agent upgraded during permission migration');
	`, uuid.NewString(), agentID, MigrationActor)
	if err != nil {
		return fmt.Errorf("audit upgrade for %s: %w", agentID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upgrade tx: %w", err)
	}
	return nil
}

// seedDefaultRules provisions one self_only rule per session and one
// auto-grant team_level rule per team. Existing rules are left alone.
func (m *Migrator) seedDefaultRules(ctx context.Context, db *sql.DB, report *PermissionReport) error {
	if ok, err := storage.TableExists(ctx, db, "sessions"); err != nil {
		return err
	} else if ok {
		n, err := m.seedRulesFor(ctx, db, `
			INSERT INTO permission_rules (id, session_id, default_access_level, created_by)
			SELECT ?, s.id, 'self_only', ?
			FROM sessions s
			WHERE s.id = ? AND NOT EXISTS (
				SELECT 1 FROM permission_rules r WHERE r.session_id = s.id AND r.team_id IS NULL
			);
		`, `SELECT id FROM sessions;`)
		if err != nil {
			return err
		}
		report.SessionRules = n
	}

	if ok, err := storage.TableExists(ctx, db, "teams"); err != nil {
		return err
	} else if ok {
		n, err := m.seedRulesFor(ctx, db, `
			INSERT INTO permission_rules (id, team_id, default_access_level, auto_grant_team_level, created_by)
			SELECT ?, t.id, 'team_level', 1, ?
			FROM teams t
			WHERE t.id = ? AND NOT EXISTS (
				SELECT 1 FROM permission_rules r WHERE r.team_id = t.id
			);
		`, `SELECT id FROM teams;`)
		if err != nil {
			return err
		}
		report.TeamRules = n
	}
	return nil
}

func (m *Migrator) seedRulesFor(ctx context.Context, db *sql.DB, insertQuery, listQuery string) (int, error) {
	rows, err := db.QueryContext(ctx, listQuery)
	if err != nil {
		return 0, fmt.Errorf("list rule scopes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan scope id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate scope ids: %w", err)
	}

	created := 0
	for _, id := range ids {
		res, err := db.ExecContext(ctx, insertQuery, uuid.NewString(), MigrationActor, id)
		if err != nil {
			return created, fmt.Errorf("seed rule for %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return created, fmt.Errorf("seed rule rows affected: %w", err)
		}
		created += int(n)
	}
	return created, nil
}

func (m *Migrator) createPermissionIndexes(ctx context.Context, db *sql.DB) {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_agents_access_level ON agents(access_level);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_permission_expires ON agents(permission_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_permission_history_agent ON agent_permission_history(agent_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_permission_rules_session ON permission_rules(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_permission_rules_team ON permission_rules(team_id);`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			m.logger.Warn("index creation failed, continuing", "error", err)
		}
	}
}

func (m *Migrator) validatePermissions(ctx context.Context, db *sql.DB) error {
	var invalid int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents
		WHERE access_level IS NULL
			OR access_level NOT IN ('self_only', 'team_level', 'session_level');
	`).Scan(&invalid)
	if err != nil {
		return fmt.Errorf("validate access levels: %w", err)
	}
	if invalid != 0 {
		return fmt.Errorf("%w: %d agents with invalid access_level", faults.ErrMigrationVerify, invalid)
	}

	var orphaned int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents
		WHERE access_level = 'team_level' AND team_id IS NULL;
	`).Scan(&orphaned)
	if err != nil {
		return fmt.Errorf("validate team grants: %w", err)
	}
	if orphaned != 0 {
		return fmt.Errorf("%w: %d team_level agents without a team", faults.ErrMigrationVerify, orphaned)
	}
	return nil
}
