// Package scheduler fires task reminders at their due time.
//
// A single worker goroutine owns the ordered set of pending reminders. All
// mutations (insert, cancel, snooze, resync) are requests on one channel and
// interrupt the worker's sleep. Due reminders are handed to short-lived
// dispatch goroutines which claim the reminder in the backend before
// delivering it, so a reminder is delivered at most once even when it races
// with a cancel or snooze.
//
// On Start the set is rebuilt from the backend; reminders that came due
// while the process was down fire once, immediately, in fire time order.
package scheduler
