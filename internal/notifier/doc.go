// Package notifier delivers single notifications for history records.
//
// Every committed record is enqueued on the task engine under the key
// "dispatch:<id>", so one record is never dispatched twice at the same time.
// Dispatch resolves the page watchers, mails those preferring single
// notifications and then stamps single_sent_at. The stamp is what makes a
// record done: a run that fails systemically leaves it unstamped and the
// engine retry or the periodic sweep picks it up again.
//
// # Delivery log
//
// Each send attempt, successful or not, is appended to the store's delivery
// log for operator visibility.
package notifier
