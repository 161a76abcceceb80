package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Seed operations for standing up a database: projects, sessions and teams
// are created ahead of agents and contexts.

func (s *Store) CreateProject(ctx context.Context, id, name, description string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, description) VALUES (?, ?, ?);
		`, id, name, description)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

func (s *Store) CreateSession(ctx context.Context, id, name, projectID, description string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, name, project_id, description) VALUES (?, ?, ?, ?);
		`, id, name, projectID, description)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *Store) CreateTeam(ctx context.Context, id, name, sessionID, description string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO teams (id, name, session_id, description) VALUES (?, ?, NULLIF(?, ''), ?);
		`, id, name, sessionID, description)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create team: %w", err)
	}
	return id, nil
}
