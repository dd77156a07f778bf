package migrate

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/compintel/profilesync/internal/remote"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) SetField(ctx context.Context, path, field string, value any) error {
	args := m.Called(ctx, path, field, value)
	return args.Error(0)
}

func writeJSONL(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "companies.jsonl")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestFromJSONL(t *testing.T) {
	path := writeJSONL(t, `{"id": "signzy", "about": "KYC", "clients": ["Bank A"]}

{"id": "idfy", "blogs": "Not available yet"}
`)

	records, err := FromJSONL(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "signzy", records[0].ID)
	assert.Equal(t, "KYC", records[0].Fields["about"])
	_, hasID := records[0].Fields["id"]
	assert.False(t, hasID, "id should not be imported as a field")

	assert.Equal(t, "idfy", records[1].ID)
}

func TestFromJSONL_InvalidFile(t *testing.T) {
	_, err := FromJSONL("/nonexistent/path.jsonl")
	assert.Error(t, err)
}

func TestReadJSONL_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bad json", `{"id": "a"}` + "\n{oops\n", "line 2"},
		{"not an object", "[1, 2]\n", "line 1"},
		{"missing id", `{"about": "x"}` + "\n", "invalid id at line 1"},
		{"bad id", `{"id": "a/b"}` + "\n", "invalid id at line 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadJSONL(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestImport_PartialFailure(t *testing.T) {
	w := &mockWriter{}
	ctx := context.Background()

	w.On("SetField", ctx, "companies/signzy", "about", "KYC").Return(nil)
	w.On("SetField", ctx, "companies/signzy", "name", "Signzy").Return(nil)
	w.On("SetField", ctx, "companies/idfy", "about", "IDV").
		Return(&remote.Error{Op: "write", Path: "companies/idfy", Kind: remote.KindPermissionDenied, Err: errors.New("denied")})
	w.On("SetField", ctx, "companies/bureau", "about", "Risk").Return(nil)

	records := []Record{
		{ID: "signzy", Fields: remote.RawEntity{"name": "Signzy", "about": "KYC"}},
		{ID: "idfy", Fields: remote.RawEntity{"about": "IDV", "name": "IDfy"}},
		{ID: "bureau", Fields: remote.RawEntity{"about": "Risk"}},
	}

	result, err := Import(ctx, w, records, ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.RecordsImported)
	assert.Equal(t, 1, result.RecordsFailed)
	assert.Equal(t, 3, result.FieldsWritten)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "idfy")

	w.AssertExpectations(t)
	// Fields after the failing one are not attempted.
	w.AssertNotCalled(t, "SetField", ctx, "companies/idfy", "name", "IDfy")
}

func TestImport_DryRun(t *testing.T) {
	w := &mockWriter{}

	records := []Record{{ID: "signzy", Fields: remote.RawEntity{"name": "Signzy", "about": "KYC"}}}
	result, err := Import(context.Background(), w, records, ImportOptions{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RecordsImported)
	assert.Equal(t, 2, result.FieldsWritten)
	w.AssertNotCalled(t, "SetField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestImport_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := Import(ctx, &mockWriter{}, []Record{{ID: "a", Fields: remote.RawEntity{"x": 1}}}, ImportOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.RecordsImported)
}

func newFileStore(t *testing.T) *remote.FileStore {
	t.Helper()
	store, err := remote.NewFileStore(t.TempDir(), &remote.FileStoreConfig{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	return store
}

func TestImport_FileStore(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	records := []Record{{ID: "signzy", Fields: remote.RawEntity{"name": "Signzy", "clients": []any{"Bank A"}}}}
	_, err := Import(ctx, store, records, ImportOptions{})
	require.NoError(t, err)

	entry, err := store.ReadOnce(ctx, "companies/signzy")
	require.NoError(t, err)
	assert.Equal(t, "Signzy", entry.Value["name"])
}

func TestClients_AddRemove(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()
	coll := remote.DefaultCollection

	clients, err := Clients(ctx, store, coll, "jocata")
	require.NoError(t, err)
	assert.Empty(t, clients)

	require.NoError(t, store.SetField(ctx, "companies/jocata", "clients", "Not available yet"))

	clients, wrote, err := AddClient(ctx, store, store, coll, "jocata", "Bank A")
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, []string{"Bank A"}, clients)

	_, wrote, err = AddClient(ctx, store, store, coll, "jocata", "bank a")
	require.NoError(t, err)
	assert.False(t, wrote, "duplicate names are not added")

	_, _, err = AddClient(ctx, store, store, coll, "jocata", "Bank B")
	require.NoError(t, err)

	clients, wrote, err = RemoveClient(ctx, store, store, coll, "jocata", "BANK A")
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, []string{"Bank B"}, clients)

	_, wrote, err = RemoveClient(ctx, store, store, coll, "jocata", "Bank Z")
	require.NoError(t, err)
	assert.False(t, wrote)

	clients, err = Clients(ctx, store, coll, "jocata")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bank B"}, clients)
}

func TestAddClient_EmptyName(t *testing.T) {
	store := newFileStore(t)
	_, _, err := AddClient(context.Background(), store, store, remote.DefaultCollection, "jocata", "  ")
	assert.Error(t, err)
}
