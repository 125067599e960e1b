package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is the JSON export of a database: every collection's rows, with ids.
type Document struct {
	SchemaVersion int                          `json:"schemaVersion"`
	ExportedAt    time.Time                    `json:"exportedAt"`
	Data          map[string][]json.RawMessage `json:"data"`
}

// metaKeys are the top-level keys that never name a collection.
var metaKeys = map[string]bool{
	"schemaVersion": true,
	"version":       true,
	"exportedAt":    true,
	"exported_at":   true,
	"data":          true,
}

// UnmarshalJSON accepts the current shape and two older ones: "version" and
// "exported_at" in place of the camel-case keys, and collections as top-level
// arrays (the forms-only export) instead of under "data". A missing version
// reads as 1.
func (d *Document) UnmarshalJSON(b []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return fmt.Errorf("export document: %w", err)
	}
	*d = Document{SchemaVersion: 1}

	for _, key := range []string{"schemaVersion", "version"} {
		if raw, ok := top[key]; ok && !isNull(raw) {
			v, err := parseVersion(raw)
			if err != nil {
				return fmt.Errorf("export document %s: %w", key, err)
			}
			d.SchemaVersion = v
			break
		}
	}
	for _, key := range []string{"exportedAt", "exported_at"} {
		if raw, ok := top[key]; ok && !isNull(raw) {
			if err := json.Unmarshal(raw, &d.ExportedAt); err != nil {
				return fmt.Errorf("export document %s: %w", key, err)
			}
			break
		}
	}

	if raw, ok := top["data"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &d.Data); err != nil {
			return fmt.Errorf("export document data: %w", err)
		}
		return nil
	}
	d.Data = make(map[string][]json.RawMessage)
	for key, raw := range top {
		if metaKeys[key] || !isArray(raw) {
			continue
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return fmt.Errorf("export document %s: %w", key, err)
		}
		d.Data[key] = rows
	}
	return nil
}

// parseVersion reads a number or a dotted version string, keeping the major part.
func parseVersion(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("version must be a number or string")
	}
	major, _, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return n, nil
}

func isNull(raw json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(raw), []byte("null")) }

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}
