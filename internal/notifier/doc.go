// Package notifier delivers inactivity alerts by email.
//
// # Message
//
// Alerts are composed as multipart/alternative MIME messages (plain text and
// HTML) with go-message. The subject line carries the configured prefix, the
// subject label and the owner contact.
//
// # Delivery
//
// Delivery goes through a Transport (SMTPTransport in production). Transient
// failures (timeouts, refused connections, 4xx replies) are retried up to the
// configured attempt count; permanent failures (5xx replies, rejected
// credentials or recipients) are not.
//
// # Records
//
// Every Notify call appends exactly one NotificationRecord, sent or failed.
// Only sent records take part in deduplication.
package notifier
