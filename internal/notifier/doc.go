// Package notifier fans one notification out to many chats.
//
// Notify expands the recipient list, drops recipients that saw the same
// notification within the dedup window, and queues one job per recipient.
// A small worker pool drains the queue through a shared rate limiter and
// hands each job to a Sender (normally the session manager), which splits
// long text and owns the bot connection.
//
// Delivery is at most once: a failed job is logged, published on the event
// bus and written to the delivery log, never retried.
package notifier
