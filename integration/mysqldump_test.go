//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/fgeck/gosftp-homelab/internal/services/mysqldump"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getDatabaseConfig(t *testing.T) models.DatabaseConfig {
	t.Helper()

	host := os.Getenv("TEST_MYSQL_HOST")
	if host == "" {
		t.Skip("TEST_MYSQL_HOST not set")
	}

	portStr := os.Getenv("TEST_MYSQL_PORT")
	if portStr == "" {
		portStr = "3306"
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	databases := os.Getenv("TEST_MYSQL_DATABASES")
	if databases == "" {
		t.Skip("TEST_MYSQL_DATABASES not set")
	}

	user := os.Getenv("TEST_MYSQL_USER")
	if user == "" {
		user = "root"
	}

	return models.DatabaseConfig{
		Host:       host,
		Port:       port,
		User:       user,
		Password:   os.Getenv("TEST_MYSQL_PASSWORD"),
		Databases:  strings.Split(databases, ","),
		StagingDir: filepath.Join(t.TempDir(), "dumps"),
		DumpBinary: "mysqldump",
	}
}

func TestMySQLDump_Integration(t *testing.T) {
	cfg := getDatabaseConfig(t)

	result, err := mysqldump.New(testLogger()).Dump(context.Background(), cfg)

	require.NoError(t, err)
	require.NoError(t, result.Error)
	require.Len(t, result.Artifacts, len(cfg.Databases))
	assert.Greater(t, result.SizeBytes, int64(0))

	for i, name := range cfg.Databases {
		assert.Equal(t, filepath.Join(cfg.StagingDir, name+".sql"), result.Artifacts[i])
		assert.FileExists(t, result.Artifacts[i])
	}
}

func TestMySQLDump_Compressed_Integration(t *testing.T) {
	cfg := getDatabaseConfig(t)
	cfg.Compress = true

	result, err := mysqldump.New(testLogger()).Dump(context.Background(), cfg)

	require.NoError(t, err)
	require.NoError(t, result.Error)
	for _, a := range result.Artifacts {
		assert.True(t, strings.HasSuffix(a, ".sql.zst"))
	}
}

func TestMySQLDump_UnknownDatabase_Integration(t *testing.T) {
	cfg := getDatabaseConfig(t)
	cfg.Databases = append([]string{cfg.Databases[0]}, "gosftp_does_not_exist")

	result, err := mysqldump.New(testLogger()).Dump(context.Background(), cfg)

	require.NoError(t, err)
	var dumpErr *mysqldump.DumpError
	require.ErrorAs(t, result.Error, &dumpErr)
	assert.Equal(t, "gosftp_does_not_exist", dumpErr.Database)
	assert.Len(t, result.Artifacts, 1)
	assert.NoFileExists(t, filepath.Join(cfg.StagingDir, "gosftp_does_not_exist.sql"))
}
