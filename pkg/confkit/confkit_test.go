package confkit

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	t.Setenv("TEST_CONF_DIR", "conf")
	tests := []struct {
		name string
		base string
		file string
		want string
	}{
		{"absolute path", "/base/dir", "/abs/file.yaml", "/abs/file.yaml"},
		{"relative path", "/base/dir", "etc/bot.yaml", "/base/dir/etc/bot.yaml"},
		{"relative path with env var", "/base/dir", "${TEST_CONF_DIR}/bot.yaml", "/base/dir/conf/bot.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePath(tt.base, tt.file))
		})
	}
}

func TestSection_Hydrate(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		section := &Section[string]{}
		err := section.Hydrate("/base", func(string) (*string, error) {
			t.Error("loader should not be called for empty file")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, section.Value)
	})

	t.Run("successful hydration", func(t *testing.T) {
		section := &Section[string]{File: "bot.yaml"}
		want := "loaded"
		err := section.Hydrate("/base", func(path string) (*string, error) {
			assert.Equal(t, "/base/bot.yaml", path)
			return &want, nil
		})
		require.NoError(t, err)
		require.NotNil(t, section.Value)
		assert.Equal(t, want, *section.Value)
		assert.Equal(t, "/base/bot.yaml", section.File)
	})

	t.Run("loader error", func(t *testing.T) {
		section := &Section[string]{File: "bot.yaml"}
		boom := errors.New("boom")
		err := section.Hydrate("/base", func(string) (*string, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "bot.yaml", section.File, "file untouched on failure")
	})
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_DOTENV_KEY=from-file\n"), 0o600))

	t.Run("env file", func(t *testing.T) {
		t.Setenv("ENV_FILE", path)
		t.Setenv("TEST_DOTENV_KEY", "")
		os.Unsetenv("TEST_DOTENV_KEY")
		assert.Equal(t, path, loadDotenv())
		assert.Equal(t, "from-file", os.Getenv("TEST_DOTENV_KEY"))
	})

	t.Run("existing value wins", func(t *testing.T) {
		t.Setenv("ENV_FILE", path)
		t.Setenv("TEST_DOTENV_KEY", "from-env")
		loadDotenv()
		assert.Equal(t, "from-env", os.Getenv("TEST_DOTENV_KEY"))
	})

	t.Run("overload", func(t *testing.T) {
		t.Setenv("ENV_FILE", path)
		t.Setenv("DOTENV_OVERLOAD", "1")
		t.Setenv("TEST_DOTENV_KEY", "from-env")
		loadDotenv()
		assert.Equal(t, "from-file", os.Getenv("TEST_DOTENV_KEY"))
	})

	t.Run("disabled", func(t *testing.T) {
		t.Setenv("ENV_FILE", path)
		t.Setenv("NO_DOTENV", "1")
		assert.Empty(t, loadDotenv())
	})
}

func TestWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limit.txt")
	require.NoError(t, os.WriteFile(path, []byte("10"), 0o600))
	loads := 0
	loader := func(p string) (*int, error) {
		loads++
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		v, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, err
		}
		return &v, nil
	}

	w, err := NewWatcher(path, loader)
	require.NoError(t, err)
	assert.Equal(t, path, w.Path())

	v, changed, err := w.Load()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 10, *v)
	assert.Equal(t, 1, loads, "unchanged file is not re-parsed")

	require.NoError(t, os.WriteFile(path, []byte("250"), 0o600))
	v, changed, err = w.Load()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 250, *v)

	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0o600))
	v, changed, err = w.Load()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, 250, *v, "last good value kept")

	v, changed, err = w.Load()
	assert.Error(t, err, "a broken file keeps failing until fixed")
	assert.False(t, changed)
	assert.Equal(t, 250, *v)
}

func TestNewWatcherFailsOnInvalidFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), func(string) (*int, error) {
		return nil, errors.New("unreachable")
	})
	assert.Error(t, err)
}
