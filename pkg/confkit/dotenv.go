package confkit

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

const maxDotenvDepth = 8

var (
	dotenvOnce sync.Once
	dotenvPath string
)

// LoadDotenvOnce loads API credentials and other settings from a .env file.
// ENV_FILE names the file explicitly; otherwise the search walks up from the
// working directory and stops at the first directory holding go.mod or .git.
// Existing variables win unless DOTENV_OVERLOAD=1; NO_DOTENV=1 disables it.
// It returns the file that was loaded, empty when none was.
func LoadDotenvOnce() string {
	dotenvOnce.Do(func() {
		dotenvPath = loadDotenv()
	})
	return dotenvPath
}

func loadDotenv() string {
	if os.Getenv("NO_DOTENV") == "1" {
		return ""
	}
	overload := os.Getenv("DOTENV_OVERLOAD") == "1"
	load := func(path string) bool {
		if !fileExists(path) {
			return false
		}
		var err error
		if overload {
			err = godotenv.Overload(path)
		} else {
			err = godotenv.Load(path)
		}
		return err == nil
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if load(envFile) {
			return envFile
		}
		return ""
	}

	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < maxDotenvDepth; i++ {
		candidate := filepath.Join(dir, ".env")
		if load(candidate) {
			return candidate
		}
		if fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git")) {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
