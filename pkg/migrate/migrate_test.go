package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"002_add_index.sql":      {Data: []byte("-- +migrate Up\nCREATE INDEX i ON t (c);\n-- +migrate Down\nDROP INDEX i;\n")},
		"001_initial_schema.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE t (c INT);\n\n-- +migrate Down\nDROP TABLE t;\n")},
		"README.md":              {Data: []byte("ignored")},
	}

	migrations, err := Load(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial_schema", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE t (c INT);", migrations[0].UpSQL)
	assert.Equal(t, "DROP TABLE t;", migrations[0].DownSQL)
	assert.Equal(t, 2, migrations[1].Version)
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name:    "bad filename",
			fsys:    fstest.MapFS{"initial.sql": {Data: []byte("-- +migrate Up\nSELECT 1;")}},
			wantErr: "invalid migration filename",
		},
		{
			name:    "missing up section",
			fsys:    fstest.MapFS{"001_empty.sql": {Data: []byte("-- +migrate Down\nSELECT 1;")}},
			wantErr: "missing",
		},
		{
			name: "duplicate version",
			fsys: fstest.MapFS{
				"001_a.sql": {Data: []byte("-- +migrate Up\nSELECT 1;")},
				"001_b.sql": {Data: []byte("-- +migrate Up\nSELECT 2;")},
			},
			wantErr: "used by both",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.fsys)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplit_IgnoresTextBeforeUp(t *testing.T) {
	up, down, err := split("-- header comment\n-- +migrate Up\nSELECT 1;\n")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;", up)
	assert.Empty(t, down)
}
