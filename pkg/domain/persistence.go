package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Document is one stored row: a store-assigned id and its JSON body.
type Document struct {
	ID   int64
	Body json.RawMessage
}

// Store is a minimal local document store with declared indexes. Every call is
// atomic for the single record it touches; there is no multi-record transaction.
type Store interface {
	// Open prepares the store and ensures the schema. Concurrent callers share one open.
	Open(ctx context.Context) error
	// Insert adds a row and returns its new id. Unique index conflicts return *ConstraintError.
	Insert(ctx context.Context, collection string, body json.RawMessage) (int64, error)
	// Get returns the row with id, or false when it does not exist.
	Get(ctx context.Context, collection string, id int64) (Document, bool, error)
	// GetAllByIndex returns every row whose index fields equal values.
	GetAllByIndex(ctx context.Context, collection, index string, values ...any) ([]Document, error)
	// Scan returns the whole collection in ascending id order.
	Scan(ctx context.Context, collection string) ([]Document, error)
	// Put writes doc under doc.ID, creating it when absent.
	Put(ctx context.Context, collection string, doc Document) (int64, error)
	// Delete removes a row and reports whether it existed.
	Delete(ctx context.Context, collection string, id int64) (bool, error)
	Count(ctx context.Context, collection string) (int, error)
	// Clear empties a collection without resetting its id sequence.
	Clear(ctx context.Context, collection string) error
	Close() error
}

// PointerRecord constrains *T to implement Record.
type PointerRecord[T any] interface {
	*T
	Record
}

// EncodeRecord marshals v without its id; the id lives beside the body.
func EncodeRecord[T any, PT PointerRecord[T]](v T) (json.RawMessage, error) {
	PT(&v).SetRowID(0)
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return raw, nil
}

// DecodeRecord unmarshals doc and stamps the stored id on the result.
func DecodeRecord[T any, PT PointerRecord[T]](doc Document) (T, error) {
	var v T
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return v, fmt.Errorf("decode %T %d: %w", v, doc.ID, err)
	}
	PT(&v).SetRowID(doc.ID)
	return v, nil
}

// DecodeRecords decodes docs in order.
func DecodeRecords[T any, PT PointerRecord[T]](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := DecodeRecord[T, PT](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
