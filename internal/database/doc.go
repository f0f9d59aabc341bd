// Package database manages the SQLCipher database file.
//
// Lifecycle decides at startup whether the file is missing, already
// encrypted with the machine key, or a plaintext file that has to be
// migrated. Migration copies every table into a fresh encrypted file and
// renames it over the original after taking a timestamped backup.
//
// Every pool is opened through KeyInjector, which issues PRAGMA key on each
// new connection before the driver hands it out. Transformer covers the
// operator paths: exporting a plaintext copy, encrypting an external file
// and running integrity checks.
package database
