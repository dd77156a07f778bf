package remote

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

// RecordFileName returns the canonical filename for an entity: {id}.json
func RecordFileName(id string) string {
	return id + ".json"
}

// IDFromFileName extracts the entity id from a record filename.
// Returns false for files that are not records.
func IDFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return "", false
	}
	id := strings.TrimSuffix(name, ".json")
	if ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

// ValidateID checks that id is usable as both a document id and a filename.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("id %q must not contain path separators", id)
	}
	if id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("id %q must not start with a dot", id)
	}
	if len(id) > 1500 {
		return fmt.Errorf("id must be 1500 bytes or less (got %d)", len(id))
	}
	return nil
}

// ReadRecordFile reads and parses a record JSON file. The top-level value
// must be an object.
func ReadRecordFile(path string) (RawEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var entity RawEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}
	if entity == nil {
		return nil, fmt.Errorf("record file %s is not a JSON object", path)
	}

	return entity, nil
}

// WriteRecordFile writes an entity to dir/{id}.json. The write goes through
// a temporary file and rename so watchers never observe a partial record.
func WriteRecordFile(dir, id string, entity RawEntity) error {
	if err := ValidateID(id); err != nil {
		return fmt.Errorf("cannot write record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write record %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close record %s: %w", id, err)
	}

	path := filepath.Join(dir, RecordFileName(id))
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write record file %s: %w", path, err)
	}

	return nil
}

// ReadAllRecordFiles reads every record in dir in filename order.
// Invalid files are reported through skip and left out.
// A missing or unreadable directory is an error, and so is a record file
// the process may not read.
func ReadAllRecordFiles(dir string, skip func(name string, err error)) (RawCollection, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return RawCollection{}, err
	}

	coll := RawCollection{
		Keys:   make([]string, 0, len(entries)),
		Values: make(map[string]RawEntity, len(entries)),
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := IDFromFileName(entry.Name())
		if !ok {
			continue
		}

		entity, err := ReadRecordFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			// The file may have been removed between ReadDir and ReadFile.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if errors.Is(err, fs.ErrPermission) {
				return RawCollection{}, err
			}
			if skip != nil {
				skip(entry.Name(), err)
			}
			continue
		}

		coll.Keys = append(coll.Keys, id)
		coll.Values[id] = entity
	}

	return coll, nil
}
