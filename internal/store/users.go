package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"cloudpasture.io/corral/internal/domain"
)

const userColumns = `id, username, password_hash, roles, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*domain.User, error) {
	var (
		u         domain.User
		roles     string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &roles, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(roles), &u.Roles)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	roles, _ := json.Marshal(u.Roles)
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO users
		(id, username, password_hash, roles, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.PasswordHash, string(roles),
		fmtTime(u.CreatedAt), fmtTime(u.UpdatedAt))
	return err
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	return scanUser(row)
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+userColumns+` FROM users WHERE username = ?`), username)
	return scanUser(row)
}

// UpsertRole writes a role with its permission list.
func (s *Store) UpsertRole(ctx context.Context, r *domain.Role) error {
	perms, _ := json.Marshal(r.Permissions)
	res, err := s.q.ExecContext(ctx,
		s.rebind(`UPDATE roles SET permissions = ? WHERE name = ?`),
		string(perms), r.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err = s.q.ExecContext(ctx,
		s.rebind(`INSERT INTO roles (id, name, permissions) VALUES (?, ?, ?)`),
		r.ID, r.Name, string(perms))
	return err
}

// GetRoleByName fetches a role.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*domain.Role, error) {
	var (
		r     domain.Role
		perms string
	)
	err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, permissions FROM roles WHERE name = ?`), name).
		Scan(&r.ID, &r.Name, &perms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(perms), &r.Permissions)
	return &r, nil
}

// PermissionsForRoles resolves the union of permissions for a role set.
func (s *Store) PermissionsForRoles(ctx context.Context, roles []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, name := range roles {
		r, err := s.GetRoleByName(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, p := range r.Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// SeedDefaults installs the built-in roles and, when no user exists,
// an admin account with the given password hash.
func (s *Store) SeedDefaults(ctx context.Context, adminPasswordHash string) error {
	defaults := []*domain.Role{
		{Name: "admin", Permissions: []string{domain.PermAdmin}},
		{Name: "operator", Permissions: []string{
			domain.PermVMRead, domain.PermVMWrite,
			domain.PermNodeRead, domain.PermNodeWrite,
			domain.PermStorageRead, domain.PermStorageWrite,
			domain.PermNetworkRead, domain.PermNetworkWrite,
		}},
		{Name: "viewer", Permissions: []string{
			domain.PermVMRead, domain.PermNodeRead,
			domain.PermStorageRead, domain.PermNetworkRead,
		}},
	}
	for _, r := range defaults {
		if err := s.UpsertRole(ctx, r); err != nil {
			return err
		}
	}

	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	return s.CreateUser(ctx, &domain.User{
		ID:           uuid.New().String(),
		Username:     "admin",
		PasswordHash: adminPasswordHash,
		Roles:        []string{"admin"},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}
