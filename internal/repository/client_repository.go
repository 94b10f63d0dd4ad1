package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/keygate/internal/model"
)

// ClientRepo reads registered OAuth clients.  Client CRUD lives in the
// admin tooling; this service only looks clients up.
type ClientRepo struct{ DB *sql.DB }

func NewClientRepo(db *sql.DB) *ClientRepo { return &ClientRepo{DB: db} }

// GetByID fetches a client by its public identifier.
func (r *ClientRepo) GetByID(ctx context.Context, id string) (model.Client, error) {
	var (
		c        model.Client
		scopes   string
		redirect sql.NullString
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT id, secret_hash, scopes, redirect_uri FROM oauth_clients WHERE id=? LIMIT 1", id).
		Scan(&c.ID, &c.SecretHash, &scopes, &redirect)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Client{}, ErrNotFound
	}
	if err != nil {
		return model.Client{}, err
	}
	c.Scopes = model.ParseScopes(scopes)
	c.RedirectURI = redirect.String
	return c, nil
}
