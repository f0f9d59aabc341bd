// Package notify renders and delivers operator email.
//
// Notifier turns domain events into HTML messages and hands them to an
// EmailSender (SMTP, Postmark, or a development sender that writes files).
// Outbox runs deliveries on background workers with retry so callers on the
// request or startup path never wait on the mail server.
package notify
