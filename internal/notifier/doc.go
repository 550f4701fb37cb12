// Package notifier delivers operator alerts by email.
//
// The Dispatcher is the only entry point callers need. Submit renders the
// named template, applies the dedup window and the per-recipient fixed-window
// limit, and queues the message for a small worker pool. It returns a Handle
// right away; the SMTP exchange happens later on a worker.
//
// # Delivery
//
// Workers run each message through a Retrier: up to MaxAttempts attempts with
// linear backoff (n*RetryBase) over connections leased from a Pool. Bad
// credentials and missing configuration fail on the first attempt. Every
// other transport error is retried.
//
// # Outcomes
//
// Each submission ends in exactly one Outcome, reported on the Handle, the
// event bus and the in-memory history. Deduplicated and RateLimited are
// expected policy results, not errors.
package notifier
