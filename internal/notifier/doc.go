// Package notifier delivers fired reminders to their owners.
//
// A delivery renders the reminder card (task number, description, due time
// in the owner's timezone) and sends it through the transport adapter with
// "Complete" and "Snooze" buttons. Sends share one token-bucket rate limit
// so a burst of overdue reminders after a restart cannot trip the chat
// platform's flood limits.
//
// # Retries
//
// The notifier makes a single attempt per Deliver call; the reminder
// scheduler owns retries. Errors the platform reports as permanent (blocked
// bot, deleted chat) are wrapped with scheduler.NoRetry.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for
// operator visibility, and a short dedup window keyed by reminder id so a
// reminder that is dispatched twice is only sent once.
package notifier
