// Package sqlite provides a SQLite-backed profile.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/uwbctl/internal/profile"
	"github.com/danmuck/uwbctl/internal/profile/sqlite/migrations"
	"github.com/danmuck/uwbctl/internal/protocol/version"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists service profiles in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ profile.Store = (*Store)(nil)

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Add(ctx context.Context, p profile.ServiceProfile) (profile.ServiceProfile, error) {
	if err := ctx.Err(); err != nil {
		return profile.ServiceProfile{}, err
	}
	if err := p.Validate(); err != nil {
		return profile.ServiceProfile{}, err
	}
	if p.InstanceID == uuid.Nil {
		p.InstanceID = uuid.New()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO service_profiles (
		   instance_id, service_id, uid, package_name, applet_id, session_id,
		   device_address, peer_addresses, channel, preamble_index, protocol_version, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.InstanceID.String(),
		int32(p.ServiceID),
		p.UID,
		strings.TrimSpace(p.PackageName),
		p.AppletID,
		p.SessionID,
		p.DeviceAddress.String(),
		joinAddresses(p.PeerAddresses),
		p.Channel,
		p.PreambleIndex,
		p.ProtocolVersion.String(),
		s.now().UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return profile.ServiceProfile{}, fmt.Errorf("%w: %s", profile.ErrAlreadyExists, p.InstanceID)
		}
		return profile.ServiceProfile{}, fmt.Errorf("add service profile: %w", err)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (profile.ServiceProfile, error) {
	if err := ctx.Err(); err != nil {
		return profile.ServiceProfile{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, selectProfile+` WHERE instance_id = ?`, id.String())
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.ServiceProfile{}, fmt.Errorf("%w: %s", profile.ErrNotFound, id)
	}
	if err != nil {
		return profile.ServiceProfile{}, fmt.Errorf("get service profile: %w", err)
	}
	return p, nil
}

func (s *Store) List(ctx context.Context) ([]profile.ServiceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, selectProfile+` ORDER BY created_at, instance_id`)
	if err != nil {
		return nil, fmt.Errorf("list service profiles: %w", err)
	}
	defer rows.Close()

	out := make([]profile.ServiceProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service profiles: %w", err)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM service_profiles WHERE instance_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove service profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove service profile: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", profile.ErrNotFound, id)
	}
	return nil
}

const selectProfile = `SELECT instance_id, service_id, uid, package_name, applet_id, session_id,
  device_address, peer_addresses, channel, preamble_index, protocol_version
FROM service_profiles`

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (profile.ServiceProfile, error) {
	var (
		p                         profile.ServiceProfile
		id, device, peers, protoV string
		serviceID                 int32
	)
	if err := row.Scan(&id, &serviceID, &p.UID, &p.PackageName, &p.AppletID, &p.SessionID,
		&device, &peers, &p.Channel, &p.PreambleIndex, &protoV); err != nil {
		return profile.ServiceProfile{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return profile.ServiceProfile{}, fmt.Errorf("instance_id: %w", err)
	}
	p.InstanceID = parsed
	p.ServiceID = profile.ServiceID(serviceID)
	if p.DeviceAddress, err = ranging.ParseAddress(device); err != nil {
		return profile.ServiceProfile{}, fmt.Errorf("device_address: %w", err)
	}
	if p.PeerAddresses, err = splitAddresses(peers); err != nil {
		return profile.ServiceProfile{}, fmt.Errorf("peer_addresses: %w", err)
	}
	if p.ProtocolVersion, err = version.Parse(protoV); err != nil {
		return profile.ServiceProfile{}, fmt.Errorf("protocol_version: %w", err)
	}
	return p, nil
}

func joinAddresses(addrs []ranging.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

func splitAddresses(text string) ([]ranging.Address, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	parts := strings.Split(text, ",")
	out := make([]ranging.Address, 0, len(parts))
	for _, part := range parts {
		a, err := ranging.ParseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
