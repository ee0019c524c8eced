package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	m, err := Parse("002_add_index.sql", `-- +migrate Up
CREATE INDEX idx ON upload_sessions (status);

-- +migrate Down
DROP INDEX idx;
`)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Version)
	assert.Equal(t, "add_index", m.Name)
	assert.Equal(t, "CREATE INDEX idx ON upload_sessions (status);", m.UpSQL)
	assert.Equal(t, "DROP INDEX idx;", m.DownSQL)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{"no separator", "initial.sql", "-- +migrate Up\nSELECT 1;"},
		{"non numeric version", "abc_initial.sql", "-- +migrate Up\nSELECT 1;"},
		{"empty up section", "001_empty.sql", "-- +migrate Up\n-- +migrate Down\nSELECT 1;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.filename, tt.content)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_later.sql":  {Data: []byte("-- +migrate Up\nSELECT 10;")},
		"migrations/001_first.sql":  {Data: []byte("-- +migrate Up\nSELECT 1;\n-- +migrate Down\nSELECT -1;")},
		"migrations/README.md":      {Data: []byte("not a migration")},
		"migrations/002_second.sql": {Data: []byte("-- +migrate Up\nSELECT 2;")},
	}

	migrations, err := Load(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{migrations[0].Version, migrations[1].Version, migrations[2].Version})

	pending := Pending(migrations, []int{1})
	require.Len(t, pending, 2)
	assert.Equal(t, "second", pending[0].Name)
	assert.Equal(t, "later", pending[1].Name)
}

func TestLoad_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_a.sql": {Data: []byte("-- +migrate Up\nSELECT 1;")},
		"m/001_b.sql": {Data: []byte("-- +migrate Up\nSELECT 1;")},
	}

	_, err := Load(fsys, "m")
	assert.ErrorContains(t, err, "share version 1")
}
