package questions

import (
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBank(t *testing.T) {
	qs := Default()
	require.Equal(t, 5, qs.Len())
	assert.Equal(t, "Tell me about yourself and your current role.", qs[0])
}

func TestLoadDropsBlankEntries(t *testing.T) {
	fsys := fstest.MapFS{
		"bank.yaml": {Data: []byte("questions:\n  - \"  First?  \"\n  - \"\"\n  - Second?\n")},
	}
	qs, err := Load(fsys, "bank.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"First?", "Second?"}, []string(qs))
}

func TestLoadRejectsEmptyBank(t *testing.T) {
	fsys := fstest.MapFS{"bank.yaml": {Data: []byte("questions: []\n")}}
	_, err := Load(fsys, "bank.yaml")
	assert.ErrorIs(t, err, ErrEmptyBank)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	fsys := fstest.MapFS{"bank.yaml": {Data: []byte("questions: [unterminated\n")}}
	_, err := Load(fsys, "bank.yaml")
	assert.Error(t, err)
}

func TestLoadFileFallsBackToDefault(t *testing.T) {
	qs, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), qs)
}
