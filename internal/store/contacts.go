package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrContactNotFound is returned when a contact id has no row.
var ErrContactNotFound = errors.New("contact not found")

// Contact is one address book entry.
type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number"`
	Email  string `json:"email,omitempty"`
}

// ContactRepository provides access to the address book.
type ContactRepository interface {
	// List returns all contacts ordered by name.
	List(ctx context.Context) ([]Contact, error)
	// Get returns a contact by id, or ErrContactNotFound.
	Get(ctx context.Context, id string) (*Contact, error)
	// Save inserts or updates a contact. A missing id is generated.
	// Returns true when a new contact was created.
	Save(ctx context.Context, c *Contact) (bool, error)
	// Delete removes a contact by id, or returns ErrContactNotFound.
	Delete(ctx context.Context, id string) error
	// Search returns contacts whose name, number or email contains the
	// query, case-insensitively. An empty query returns all contacts.
	Search(ctx context.Context, query string) ([]Contact, error)
}

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a contact repository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

func (r *contactRepo) List(ctx context.Context) ([]Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, number, email FROM contacts ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (r *contactRepo) Get(ctx context.Context, id string) (*Contact, error) {
	var c Contact
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, number, email FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Number, &c.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}
	return &c, nil
}

func (r *contactRepo) Save(ctx context.Context, c *Contact) (bool, error) {
	if c.Name == "" || c.Number == "" {
		return false, fmt.Errorf("contact missing name or number")
	}

	created := false
	if c.ID == "" {
		c.ID = uuid.NewString()
		created = true
	} else if _, err := r.Get(ctx, c.ID); errors.Is(err, ErrContactNotFound) {
		// An explicit id may still be a first insert (import path).
		created = true
	} else if err != nil {
		return false, err
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (id, name, number, email) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name,
		   number = excluded.number, email = excluded.email`,
		c.ID, c.Name, c.Number, c.Email,
	)
	if err != nil {
		return false, fmt.Errorf("saving contact: %w", err)
	}
	return created, nil
}

func (r *contactRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting contact: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrContactNotFound
	}
	return nil
}

func (r *contactRepo) Search(ctx context.Context, query string) ([]Contact, error) {
	if query == "" {
		return r.List(ctx)
	}

	// Escape LIKE metacharacters so a literal % or _ in the query does
	// not widen the match.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	pattern := "%" + escaped + "%"

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, number, email FROM contacts
		 WHERE name LIKE ? ESCAPE '\' COLLATE NOCASE
		    OR number LIKE ? ESCAPE '\' COLLATE NOCASE
		    OR email LIKE ? ESCAPE '\' COLLATE NOCASE
		 ORDER BY name COLLATE NOCASE`,
		pattern, pattern, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("searching contacts: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

func scanContacts(rows *sql.Rows) ([]Contact, error) {
	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Number, &c.Email); err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
