// Package app opens the session a command runs against.
package app

import (
	"context"
	"fmt"
	"strings"

	"modelsync/internal/db"
	"modelsync/internal/migrate"
	"modelsync/internal/remote"
	"modelsync/internal/session"
	"modelsync/internal/store"
)

// Settings selects the object store. A non-empty Endpoint selects a remote
// server; otherwise the SQLite store under Workspace is used.
type Settings struct {
	Workspace string
	Endpoint  string
	Username  string
	Password  string
	Token     string
	// Actor is recorded on local change events.
	Actor string
}

// Remote reports whether s targets a server.
func (s Settings) Remote() bool { return strings.TrimSpace(s.Endpoint) != "" }

// Open returns a ready session. Local stores are migrated on open.
func Open(ctx context.Context, s Settings) (session.Session, error) {
	if s.Remote() {
		c, err := remote.Connect(ctx, s.Endpoint, session.Credentials{
			Username: s.Username,
			Password: s.Password,
			Token:    s.Token,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	st, err := OpenStore(ctx, s.Workspace)
	if err != nil {
		return nil, err
	}
	if s.Actor != "" {
		st.Actor = s.Actor
	}
	return st, nil
}

// OpenStore opens and migrates the workspace store.
func OpenStore(ctx context.Context, workspace string) (*store.Store, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store.New(conn), nil
}
