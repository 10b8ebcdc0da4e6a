package db_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marchage/EncryptedAlbum-sub005/container"
	"github.com/marchage/EncryptedAlbum-sub005/internal/db"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "catalog.db")

	d, err := db.Open(path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() {
		db.Close(d)
	})
	if err := db.Migrate(d); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
	return d
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "catalog.db")

	d, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() {
		db.Close(d)
	})

	st, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("expected database file to exist at %q: %v", dbPath, err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("database permissions = %v, want 0600", st.Mode().Perm())
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := db.Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestItemCRUD(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	it := db.Item{
		ID:           "0b0e4bb6-6f1e-4b8f-9a57-6d6f1f3c2a10",
		Filename:     "0b0e4bb6-6f1e-4b8f-9a57-6d6f1f3c2a10.ealb",
		MediaType:    container.MediaVideo,
		OriginalSize: 5 << 20,
		SealedName:   []byte{1, 2, 3},
	}
	if err := db.InsertItem(ctx, d, it); err != nil {
		t.Fatalf("InsertItem: %v", err)
	}
	if err := db.InsertItem(ctx, d, it); err == nil {
		t.Fatalf("duplicate insert succeeded")
	}

	got, err := db.GetItem(ctx, d, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Filename != it.Filename || got.MediaType != it.MediaType || got.OriginalSize != it.OriginalSize {
		t.Fatalf("GetItem = %+v", got)
	}
	if got.CreatedAt == "" {
		t.Fatalf("created_at not populated")
	}

	byName, err := db.GetItemByFilename(ctx, d, it.Filename)
	if err != nil || byName.ID != it.ID {
		t.Fatalf("GetItemByFilename = %+v, %v", byName, err)
	}

	if err := db.UpdateSealedName(ctx, d, it.ID, []byte{9}); err != nil {
		t.Fatalf("UpdateSealedName: %v", err)
	}
	got, _ = db.GetItem(ctx, d, it.ID)
	if len(got.SealedName) != 1 || got.SealedName[0] != 9 {
		t.Fatalf("sealed name not updated: %v", got.SealedName)
	}

	items, err := db.ListItems(ctx, d)
	if err != nil || len(items) != 1 {
		t.Fatalf("ListItems = %d items, %v", len(items), err)
	}

	if err := db.DeleteItem(ctx, d, it.ID); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if err := db.DeleteItem(ctx, d, it.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := db.GetItem(ctx, d, it.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("GetItem after delete: %v", err)
	}
}

func TestNilHandle(t *testing.T) {
	if _, err := db.ListItems(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil handle")
	}
	if err := db.Migrate(nil); err == nil {
		t.Fatalf("expected error for nil handle")
	}
}
