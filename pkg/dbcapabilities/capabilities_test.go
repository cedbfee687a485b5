package dbcapabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		input    string
		expected DatabaseID
		ok       bool
	}{
		{"postgres", PostgreSQL, true},
		{"postgresql", PostgreSQL, true},
		{"pg", PostgreSQL, true},
		{"PostgreSQL", PostgreSQL, true},
		{"  mysql  ", MySQL, true},
		{"sqlite3", SQLite, true},
		{"mongo", MongoDB, true},
		{"oracle", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			id, ok := ParseID(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, id)
		})
	}
}

func TestCapabilityTable(t *testing.T) {
	for _, id := range All() {
		t.Run(string(id), func(t *testing.T) {
			cap, ok := Get(id)
			require.True(t, ok)
			assert.Equal(t, id, cap.ID)
			assert.NotEmpty(t, cap.Name)
			assert.NotEmpty(t, cap.Placeholder)
			if cap.FileBased {
				assert.Zero(t, cap.DefaultPort)
			} else {
				assert.NotZero(t, cap.DefaultPort)
			}
		})
	}

	t.Run("savepoints need transactions", func(t *testing.T) {
		for _, id := range All() {
			cap := MustGet(id)
			if cap.HasSavepoints {
				assert.True(t, cap.HasTransactions, "%s has savepoints without transactions", id)
			}
		}
	})

	t.Run("mongodb has no savepoints", func(t *testing.T) {
		assert.False(t, MustGet(MongoDB).HasSavepoints)
	})
}

func TestMustGetPanics(t *testing.T) {
	assert.Panics(t, func() { MustGet("oracle") })
}
