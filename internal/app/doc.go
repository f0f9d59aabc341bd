// Package app wires the sealed database service together.
//
// NewApplication loads configuration, initializes logging and telemetry,
// builds the key, notification, database and verification components, then
// opens (and if needed migrates) the encrypted database before any route is
// served. A database that cannot be initialized aborts startup.
//
// Components is the HTTP-free part of that graph and is shared with sealctl.
package app
