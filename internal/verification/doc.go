// Package verification implements the one-time email code that unlocks the
// application on a new installation.
//
// A Manager generates a six digit code, persists only its SHA-256 hash with
// an expiry, and flips the record to verified when the matching code is
// presented in time. Once verified the record stays verified until Reset.
package verification
