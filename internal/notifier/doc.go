// Package notifier delivers bot posts to chats.
//
// Send is synchronous: it waits for the shared rate limiter, calls the
// transport and retries transport failures with exponential backoff. A post
// that cannot be delivered returns a *DeliveryError so the caller can record
// it against the subscription that produced it.
//
// # History
//
// The service keeps a small ring of recent outcomes for the status command,
// and publishes notify.sent / notify.failed on the event bus.
package notifier
