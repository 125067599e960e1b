package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ciomsdb/internal/blob"
)

// ArchivePrefix is the key prefix of archived exports.
const ArchivePrefix = "exports/"

const archiveContentType = "application/json"

// Archive keeps export documents in a blob store.
type Archive struct {
	blobs blob.Store
	newID func() string
	now   func() time.Time
}

// NewArchive returns an archive writing to blobs.
func NewArchive(blobs blob.Store) *Archive {
	return &Archive{
		blobs: blobs,
		newID: func() string { return uuid.NewString() },
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Key returns the archive key for an export taken at t.
func (a *Archive) Key(t time.Time) string {
	return fmt.Sprintf("%scioms-forms-%s-%s.json", ArchivePrefix, t.UTC().Format("2006-01-02"), a.newID())
}

// Save stores doc under a new key dated by the export time.
func (a *Archive) Save(ctx context.Context, doc Document) (blob.Info, error) {
	at := doc.ExportedAt
	if at.IsZero() {
		at = a.now()
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode export: %w", err)
	}
	rows := 0
	for _, r := range doc.Data {
		rows += len(r)
	}
	return a.blobs.Put(ctx, a.Key(at), bytes.NewReader(body), blob.PutOptions{
		ContentType: archiveContentType,
		Metadata: map[string]string{
			"schema-version": strconv.Itoa(doc.SchemaVersion),
			"rows":           strconv.Itoa(rows),
		},
	})
}

// Load reads and decodes an archived export.
func (a *Archive) Load(ctx context.Context, key string) (Document, error) {
	_, rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		return Document{}, err
	}
	defer rc.Close()
	var doc Document
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

// List returns the archived exports ordered by key, which is date order.
func (a *Archive) List(ctx context.Context) ([]blob.Info, error) {
	return a.blobs.List(ctx, ArchivePrefix)
}
