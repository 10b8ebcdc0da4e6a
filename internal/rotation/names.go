package rotation

import (
	"context"
	"errors"

	"github.com/marchage/EncryptedAlbum-sub005/internal/db"
)

// ErrNoName is returned by Names when a container has no catalog entry.
var ErrNoName = errors.New("no catalog entry for container")

// Names gives the coordinator access to sealed catalog names by container filename.
type Names interface {
	SealedName(ctx context.Context, filename string) (id string, sealed []byte, err error)
	SetSealedName(ctx context.Context, id string, sealed []byte) error
}

// CatalogNames adapts the SQLite item catalog to Names.
type CatalogNames struct {
	DB *db.DB
}

func (n CatalogNames) SealedName(ctx context.Context, filename string) (string, []byte, error) {
	it, err := db.GetItemByFilename(ctx, n.DB, filename)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", nil, ErrNoName
		}
		return "", nil, err
	}
	return it.ID, it.SealedName, nil
}

func (n CatalogNames) SetSealedName(ctx context.Context, id string, sealed []byte) error {
	return db.UpdateSealedName(ctx, n.DB, id, sealed)
}
