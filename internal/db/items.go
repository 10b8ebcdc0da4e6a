package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marchage/EncryptedAlbum-sub005/container"
)

// ErrNotFound is returned when no catalog row matches.
var ErrNotFound = errors.New("item not found")

// Item is one hidden media file. Filename is the container's name inside the
// media directory; the user's original filename is only held sealed.
type Item struct {
	ID           string
	Filename     string
	MediaType    container.MediaType
	OriginalSize int64
	SealedName   []byte
	CreatedAt    string
	UpdatedAt    string
}

const itemColumns = `id, filename, media_type, original_size, sealed_name, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (Item, error) {
	var (
		it Item
		mt int64
	)
	err := s.Scan(&it.ID, &it.Filename, &mt, &it.OriginalSize, &it.SealedName, &it.CreatedAt, &it.UpdatedAt)
	it.MediaType = container.MediaType(mt)
	return it, err
}

// InsertItem stores a new catalog row.
func InsertItem(ctx context.Context, d *DB, it Item) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO items (id, filename, media_type, original_size, sealed_name) VALUES (?, ?, ?, ?, ?)`,
		it.ID, it.Filename, int64(it.MediaType), it.OriginalSize, it.SealedName,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetItem returns the item with the given ID.
func GetItem(ctx context.Context, d *DB, id string) (Item, error) {
	return getItemWhere(ctx, d, `id = ?`, id)
}

// GetItemByFilename returns the item stored in the named container.
func GetItemByFilename(ctx context.Context, d *DB, filename string) (Item, error) {
	return getItemWhere(ctx, d, `filename = ?`, filename)
}

func getItemWhere(ctx context.Context, d *DB, where string, arg any) (Item, error) {
	if d == nil || d.sql == nil {
		return Item{}, fmt.Errorf("database handle is nil")
	}

	row := d.sql.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE `+where, arg)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("select item: %w", err)
	}
	return it, nil
}

// ListItems returns every item, oldest first.
func ListItems(ctx context.Context, d *DB) ([]Item, error) {
	if d == nil || d.sql == nil {
		return nil, fmt.Errorf("database handle is nil")
	}

	rows, err := d.sql.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	var results []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		results = append(results, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return results, nil
}

// UpdateSealedName replaces an item's sealed name after a key change.
func UpdateSealedName(ctx context.Context, d *DB, id string, sealed []byte) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	res, err := d.sql.ExecContext(ctx,
		`UPDATE items SET sealed_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sealed, id,
	)
	if err != nil {
		return fmt.Errorf("update sealed name: %w", err)
	}
	return expectOne(res)
}

// DeleteItem removes a catalog row. It returns ErrNotFound if nothing was deleted.
func DeleteItem(ctx context.Context, d *DB, id string) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	res, err := d.sql.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
