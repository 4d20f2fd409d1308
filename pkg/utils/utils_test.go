package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSplitLines is a function.
func TestSplitLines(t *testing.T) {
	type scenario struct {
		multilineString string
		expected        []string
	}

	scenarios := []scenario{
		{
			"",
			[]string{},
		},
		{
			"\n",
			[]string{},
		},
		{
			"hello world !\nhello universe !\n",
			[]string{
				"hello world !",
				"hello universe !",
			},
		},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, SplitLines(s.multilineString))
	}
}

func TestSafeTruncate(t *testing.T) {
	assert.EqualValues(t, "he", SafeTruncate("hello", 2))
	assert.EqualValues(t, "hello", SafeTruncate("hello", 10))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "apps.json")

	assert.NoError(t, WriteFileAtomic(path, []byte("[]\n"), 0o644))

	content, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.EqualValues(t, "[]\n", string(content))

	// the temp file must not survive the rename
	_, err = os.Stat(path + ".new")
	assert.True(t, os.IsNotExist(err))

	// overwriting keeps the file readable at all times
	assert.NoError(t, WriteFileAtomic(path, []byte("[{}]\n"), 0o644))
	content, err = os.ReadFile(path)
	assert.NoError(t, err)
	assert.EqualValues(t, "[{}]\n", string(content))
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	assert.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o644))

	assert.NoError(t, CopyDir(src, dst))

	content, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	assert.NoError(t, err)
	assert.EqualValues(t, "b", string(content))
}
