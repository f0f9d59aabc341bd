// Package config provides centralized configuration management for sealdb.
//
// Configuration is loaded from the following sources in order of precedence:
//
//  1. Environment variables (highest priority), prefixed with SEALDB_
//  2. A YAML file: $SEALDB_CONFIG, ./sealdb.yaml or ./configs/sealdb.yaml
//  3. Default values from struct tags
//
// Example:
//
//	SEALDB_SERVER_PORT=5080
//	SEALDB_PATHS_APP_DATA_DIR=/var/lib/sealdb
//	SEALDB_DATABASE_RETRY_BASE=2s
//	SEALDB_EMAIL_PROVIDER=postmark
//	SEALDB_EMAIL_POSTMARK_SERVER_TOKEN=...
//
// Paths resolves every relative directory against the executable location so
// the key stores, the database file and the verification status file end up in
// the same place regardless of the working directory.
package config
