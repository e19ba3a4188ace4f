/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package config

// Configuration keys. The YAML file groups them by section; QCF_-prefixed
// environment variables override (dots become underscores).
const (
	KeyBaseFolder = "base_folder"

	KeyServerName      = "server.name"
	KeyServerHost      = "server.host"
	KeyServerPort      = "server.port"
	KeyServerLogFile   = "server.log_file"
	KeyServerLogAccess = "server.log_access"

	KeyDBHost         = "database.host"
	KeyDBPort         = "database.port"
	KeyDBUser         = "database.user"
	KeyDBPassword     = "database.password"
	KeyDBName         = "database.name"
	KeyDBSSLMode      = "database.sslmode"
	KeyDBMaxOpenConns = "database.max_open_conns"
	KeyDBMaxIdleConns = "database.max_idle_conns"

	KeyHeartbeatFrequency = "queue.heartbeat_frequency"
	KeyHeartbeatMaxMissed = "queue.heartbeat_max_missed"
	KeyClaimLimit         = "queue.claim_limit"

	KeyServiceFrequency  = "service.frequency"
	KeyMaxActiveServices = "service.max_active_services"

	KeyAutoResetEnabled   = "auto_reset.enabled"
	KeyAutoResetMaxResets = "auto_reset.max_resets"
	KeyAutoResetPatterns  = "auto_reset.patterns"

	KeyAPIMaxBodyBytes = "api.max_body_bytes"
	KeyAPIQueryLimit   = "api.query_limit"

	KeyAuthEnabled       = "auth.enabled"
	KeyAuthSecretKey     = "auth.secret_key"
	KeyAuthTokenLifetime = "auth.token_lifetime"
	KeyAuthAllowAnonRead = "auth.allow_unauthenticated_read"

	KeyBlobBackend = "blobstore.backend"
	KeyS3Endpoint  = "blobstore.s3.endpoint"
	KeyS3Region    = "blobstore.s3.region"
	KeyS3Bucket    = "blobstore.s3.bucket"
	KeyS3AccessKey = "blobstore.s3.access_key"
	KeyS3SecretKey = "blobstore.s3.secret_key"

	KeyInternalJobKeepDays = "internal_jobs.keep_days"
	KeyAccessLogKeepDays   = "access_log.keep_days"
)

// Blob backends.
const (
	BlobBackendDatabase = "database"
	BlobBackendS3       = "s3"
)

const (
	defaultServerName   = "QCFractal server"
	defaultServerHost   = "127.0.0.1"
	defaultServerPort   = 7777
	defaultDBHost       = "127.0.0.1"
	defaultDBPort       = 5432
	defaultDBUser       = "qcfractal"
	defaultDBName       = "qcfractal"
	defaultDBSSLMode    = "disable"
	defaultMaxOpenConns = 16
	defaultMaxIdleConns = 4

	defaultHeartbeatFrequency = 60 // seconds
	defaultHeartbeatMaxMissed = 3
	defaultClaimLimit         = 200

	defaultServiceFrequency  = 60 // seconds
	defaultMaxActiveServices = 20

	defaultAutoResetMaxResets = 5

	defaultMaxBodyBytes = int64(2 * 1024 * 1024)
	defaultQueryLimit   = 1000

	defaultTokenLifetime = 86400 // seconds

	defaultKeepDays = 30
)

// Error substrings that mark a failure as transient enough for auto-reset.
var defaultAutoResetPatterns = []string{
	"timed out",
	"connection refused",
	"out of memory",
	"disk quota",
	"node failure",
}
