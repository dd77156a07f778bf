// Package migrate moves company records into the remote store: bulk import
// from JSONL exports and single-field edits such as a company's client list.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"

	"github.com/compintel/profilesync/internal/remote"
)

// Record is one line of a JSONL export: the entity id plus its fields.
type Record struct {
	ID     string
	Fields remote.RawEntity
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	Collection string // Target collection (default: companies)
	DryRun     bool   // Preview without writing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	RecordsImported int
	RecordsFailed   int
	FieldsWritten   int
	Errors          []string
}

// FromJSONL reads a JSONL file of {"id": "...", ...fields} objects. Blank
// lines are skipped; the id is removed from the fields.
func FromJSONL(path string) ([]Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}

// ReadJSONL parses JSONL records from r.
func ReadJSONL(r io.Reader) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var fields remote.RawEntity
		if err := json.Unmarshal(line, &fields); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if fields == nil {
			return nil, fmt.Errorf("line %d is not a JSON object", lineNum)
		}

		id, _ := fields["id"].(string)
		if err := remote.ValidateID(id); err != nil {
			return nil, fmt.Errorf("invalid id at line %d: %w", lineNum, err)
		}
		delete(fields, "id")

		records = append(records, Record{ID: id, Fields: fields})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}

	return records, nil
}

// Import writes every field of every record with last-write-wins SetField.
// A failing record is counted and reported; it does not stop the import.
// The returned error is non-nil only when the context ends the import.
func Import(ctx context.Context, w remote.Writer, records []Record, opts ImportOptions) (*ImportResult, error) {
	if opts.Collection == "" {
		opts.Collection = remote.DefaultCollection
	}

	result := &ImportResult{}
	var errs *multierror.Error

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		path := remote.EntityPath(opts.Collection, rec.ID)
		written, err := importRecord(ctx, w, path, rec, opts.DryRun)
		result.FieldsWritten += written
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			errs = multierror.Append(errs, fmt.Errorf("failed to import %s: %w", rec.ID, err))
			result.RecordsFailed++
			continue
		}
		result.RecordsImported++
	}

	if errs != nil {
		for _, err := range errs.Errors {
			result.Errors = append(result.Errors, err.Error())
		}
	}
	return result, nil
}

// importRecord writes fields in key order so repeated imports touch the
// store the same way.
func importRecord(ctx context.Context, w remote.Writer, path string, rec Record, dryRun bool) (int, error) {
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if dryRun {
		return len(keys), nil
	}

	written := 0
	for _, k := range keys {
		if err := w.SetField(ctx, path, k, rec.Fields[k]); err != nil {
			return written, fmt.Errorf("field %s: %w", k, err)
		}
		written++
	}
	return written, nil
}
