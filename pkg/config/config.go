/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package config wraps viper with the typed getters the rest of the server
// uses. LoadConfig reads the YAML file under the base folder; environment
// variables prefixed QCF_ override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
)

// ConfigFileName is the server configuration file inside the base folder.
const ConfigFileName = "fractal_config.yaml"

func init() {
	setDefaults()
	viper.SetEnvPrefix("QCF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func setDefaults() {
	viper.SetDefault(KeyServerName, defaultServerName)
	viper.SetDefault(KeyServerHost, defaultServerHost)
	viper.SetDefault(KeyServerPort, defaultServerPort)
	viper.SetDefault(KeyServerLogAccess, true)

	viper.SetDefault(KeyDBHost, defaultDBHost)
	viper.SetDefault(KeyDBPort, defaultDBPort)
	viper.SetDefault(KeyDBUser, defaultDBUser)
	viper.SetDefault(KeyDBName, defaultDBName)
	viper.SetDefault(KeyDBSSLMode, defaultDBSSLMode)
	viper.SetDefault(KeyDBMaxOpenConns, defaultMaxOpenConns)
	viper.SetDefault(KeyDBMaxIdleConns, defaultMaxIdleConns)

	viper.SetDefault(KeyHeartbeatFrequency, defaultHeartbeatFrequency)
	viper.SetDefault(KeyHeartbeatMaxMissed, defaultHeartbeatMaxMissed)
	viper.SetDefault(KeyClaimLimit, defaultClaimLimit)

	viper.SetDefault(KeyServiceFrequency, defaultServiceFrequency)
	viper.SetDefault(KeyMaxActiveServices, defaultMaxActiveServices)

	viper.SetDefault(KeyAutoResetEnabled, true)
	viper.SetDefault(KeyAutoResetMaxResets, defaultAutoResetMaxResets)
	viper.SetDefault(KeyAutoResetPatterns, defaultAutoResetPatterns)

	viper.SetDefault(KeyAPIMaxBodyBytes, defaultMaxBodyBytes)
	viper.SetDefault(KeyAPIQueryLimit, defaultQueryLimit)

	viper.SetDefault(KeyAuthEnabled, true)
	viper.SetDefault(KeyAuthTokenLifetime, defaultTokenLifetime)
	viper.SetDefault(KeyAuthAllowAnonRead, false)

	viper.SetDefault(KeyBlobBackend, BlobBackendDatabase)

	viper.SetDefault(KeyInternalJobKeepDays, defaultKeepDays)
	viper.SetDefault(KeyAccessLogKeepDays, defaultKeepDays)
}

// LoadConfig reads the config file from the base folder and records the base
// folder itself for path getters.
func LoadConfig(baseFolder string) error {
	path := filepath.Join(baseFolder, ConfigFileName)
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	viper.Set(KeyBaseFolder, baseFolder)
	klog.InfoS("loaded configuration", "path", path)
	return Validate()
}

// WriteDefaultConfig materializes the current settings (defaults plus any
// explicit Sets) as the config file for `init`.
func WriteDefaultConfig(baseFolder string) error {
	if err := os.MkdirAll(baseFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create base folder: %w", err)
	}
	path := filepath.Join(baseFolder, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	viper.Set(KeyBaseFolder, baseFolder)
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Validate aggregates every configuration problem instead of stopping at the
// first.
func Validate() error {
	var errs []error
	if p := GetServerPort(); p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", p))
	}
	if GetDBHost() == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if GetDBName() == "" {
		errs = append(errs, fmt.Errorf("database.name is required"))
	}
	if GetHeartbeatFrequency() <= 0 {
		errs = append(errs, fmt.Errorf("queue.heartbeat_frequency must be positive"))
	}
	if GetHeartbeatMaxMissed() < 1 {
		errs = append(errs, fmt.Errorf("queue.heartbeat_max_missed must be >= 1"))
	}
	if GetServiceFrequency() <= 0 {
		errs = append(errs, fmt.Errorf("service.frequency must be positive"))
	}
	switch GetBlobBackend() {
	case BlobBackendDatabase:
	case BlobBackendS3:
		if GetS3Bucket() == "" || GetS3Endpoint() == "" {
			errs = append(errs, fmt.Errorf("blobstore.s3 requires endpoint and bucket"))
		}
		if GetS3AccessKey() == "" || GetS3SecretKey() == "" {
			errs = append(errs, fmt.Errorf("blobstore.s3 requires access_key and secret_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blobstore.backend %q", GetBlobBackend()))
	}
	if IsAuthEnabled() && GetAuthSecretKey() == "" {
		errs = append(errs, fmt.Errorf("auth.secret_key is required while auth.enabled"))
	}
	return utilerrors.NewAggregate(errs)
}

// Set overrides one key; tests and the CLI use it before Validate.
func Set(key string, value interface{}) { viper.Set(key, value) }

func GetBaseFolder() string  { return viper.GetString(KeyBaseFolder) }
func GetServerName() string  { return viper.GetString(KeyServerName) }
func GetServerHost() string  { return viper.GetString(KeyServerHost) }
func GetServerPort() int     { return viper.GetInt(KeyServerPort) }
func GetLogFile() string     { return viper.GetString(KeyServerLogFile) }
func IsAccessLogOn() bool    { return viper.GetBool(KeyServerLogAccess) }
func GetDBHost() string      { return viper.GetString(KeyDBHost) }
func GetDBPort() int         { return viper.GetInt(KeyDBPort) }
func GetDBUser() string      { return viper.GetString(KeyDBUser) }
func GetDBPassword() string  { return viper.GetString(KeyDBPassword) }
func GetDBName() string      { return viper.GetString(KeyDBName) }
func GetDBSSLMode() string   { return viper.GetString(KeyDBSSLMode) }
func GetDBMaxOpenConns() int { return viper.GetInt(KeyDBMaxOpenConns) }
func GetDBMaxIdleConns() int { return viper.GetInt(KeyDBMaxIdleConns) }

func GetHeartbeatFrequency() time.Duration {
	return time.Duration(viper.GetInt(KeyHeartbeatFrequency)) * time.Second
}
func GetHeartbeatMaxMissed() int { return viper.GetInt(KeyHeartbeatMaxMissed) }

// GetLeaseDuration is heartbeat_frequency times heartbeat_max_missed: how
// long a claimed task stays invisible without a heartbeat.
func GetLeaseDuration() time.Duration {
	return GetHeartbeatFrequency() * time.Duration(GetHeartbeatMaxMissed())
}
func GetClaimLimit() int { return viper.GetInt(KeyClaimLimit) }

func GetServiceFrequency() time.Duration {
	return time.Duration(viper.GetInt(KeyServiceFrequency)) * time.Second
}
func GetMaxActiveServices() int { return viper.GetInt(KeyMaxActiveServices) }

func IsAutoResetEnabled() bool      { return viper.GetBool(KeyAutoResetEnabled) }
func GetAutoResetMaxResets() int    { return viper.GetInt(KeyAutoResetMaxResets) }
func GetAutoResetPatterns() []string {
	return viper.GetStringSlice(KeyAutoResetPatterns)
}

func GetMaxBodyBytes() int64 { return viper.GetInt64(KeyAPIMaxBodyBytes) }
func GetQueryLimit() int     { return viper.GetInt(KeyAPIQueryLimit) }

func IsAuthEnabled() bool        { return viper.GetBool(KeyAuthEnabled) }
func GetAuthSecretKey() string   { return viper.GetString(KeyAuthSecretKey) }
func AllowAnonymousRead() bool   { return viper.GetBool(KeyAuthAllowAnonRead) }
func GetTokenLifetime() time.Duration {
	return time.Duration(viper.GetInt(KeyAuthTokenLifetime)) * time.Second
}

func GetBlobBackend() string { return viper.GetString(KeyBlobBackend) }
func GetS3Endpoint() string  { return viper.GetString(KeyS3Endpoint) }
func GetS3Region() string    { return viper.GetString(KeyS3Region) }
func GetS3Bucket() string    { return viper.GetString(KeyS3Bucket) }
func GetS3AccessKey() string { return viper.GetString(KeyS3AccessKey) }
func GetS3SecretKey() string { return viper.GetString(KeyS3SecretKey) }

func GetInternalJobKeepDays() int { return viper.GetInt(KeyInternalJobKeepDays) }
func GetAccessLogKeepDays() int   { return viper.GetInt(KeyAccessLogKeepDays) }
