/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, 7777, GetServerPort())
	assert.Equal(t, 60*time.Second, GetHeartbeatFrequency())
	assert.Equal(t, 3, GetHeartbeatMaxMissed())
	assert.Equal(t, 180*time.Second, GetLeaseDuration())
	assert.Equal(t, 20, GetMaxActiveServices())
	assert.Equal(t, int64(2*1024*1024), GetMaxBodyBytes())
	assert.Equal(t, BlobBackendDatabase, GetBlobBackend())
	assert.True(t, IsAutoResetEnabled())
	assert.NotEmpty(t, GetAutoResetPatterns())
}

func TestWriteAndLoadConfig(t *testing.T) {
	dir := t.TempDir()
	Set(KeyAuthSecretKey, "0123456789abcdef0123456789abcdef")
	Set(KeyServerPort, 7799)

	require.NoError(t, WriteDefaultConfig(dir))
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)

	// A second init must refuse to clobber the file.
	assert.Error(t, WriteDefaultConfig(dir))

	require.NoError(t, LoadConfig(dir))
	assert.Equal(t, 7799, GetServerPort())
	assert.Equal(t, dir, GetBaseFolder())
}

func TestValidateAggregatesProblems(t *testing.T) {
	Set(KeyAuthSecretKey, "0123456789abcdef0123456789abcdef")
	Set(KeyServerPort, -1)
	Set(KeyBlobBackend, "tape")
	defer func() {
		Set(KeyServerPort, defaultServerPort)
		Set(KeyBlobBackend, BlobBackendDatabase)
	}()

	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "blobstore.backend")
}

func TestValidateS3RequiresCredentials(t *testing.T) {
	Set(KeyAuthSecretKey, "0123456789abcdef0123456789abcdef")
	Set(KeyBlobBackend, BlobBackendS3)
	defer Set(KeyBlobBackend, BlobBackendDatabase)

	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blobstore.s3")
}
