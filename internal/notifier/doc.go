// Package notifier delivers short operator notifications, such as the summary
// of a finished refresh or provisioning batch, to a chat.
//
// Notifications go through a bounded queue drained by a small worker pool.
// Sends are rate limited, retried with backoff, and identical texts to the
// same target are suppressed within a dedup window.
package notifier
