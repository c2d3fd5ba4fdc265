package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentum-ai/agentum/pkg/models"
)

// CreateUser inserts a new user row.
func (c *Client) CreateUser(ctx context.Context, id string, userType models.UserType) (*models.User, error) {
	u := &models.User{
		ID:        id,
		Type:      userType,
		CreatedAt: time.Now().UTC(),
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO users (id, type, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Type, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", id, err)
	}
	return u, nil
}

// GetUser returns the user with the given id, or ErrNotFound.
func (c *Client) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := c.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

// GetOrCreateUser returns the existing user or creates an anonymous one.
func (c *Client) GetOrCreateUser(ctx context.Context, id string) (*models.User, error) {
	u, err := c.GetUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u, err = c.CreateUser(ctx, id, models.UserTypeAnonymous)
	if err != nil && isUniqueViolation(err) {
		// Lost a create race; the row exists now.
		return c.GetUser(ctx, id)
	}
	return u, err
}
