// Package testutil provides shared helpers for integration tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// LoadTestEnv points DATABASE_URL at the test database. A DATABASE_URL
// already present in the environment (e.g. in CI) wins; otherwise
// TEST_DATABASE_URL from .env.test is promoted.
func LoadTestEnv(t *testing.T) {
	t.Helper()

	if os.Getenv("DATABASE_URL") != "" {
		t.Log("DATABASE_URL already set in environment")
		return
	}

	envPath := findEnvTestFile()
	if envPath == "" {
		t.Log("Warning: .env.test file not found, using environment variables as-is")
		return
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Warning: failed to read %s: %v", envPath, err)
		return
	}

	if testDBURL, exists := envMap["TEST_DATABASE_URL"]; exists {
		os.Setenv("DATABASE_URL", testDBURL)
		t.Log("DATABASE_URL set from TEST_DATABASE_URL in .env.test")
	}
}

// findEnvTestFile walks up from the working directory looking for .env.test,
// since package tests run from their own directories.
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
