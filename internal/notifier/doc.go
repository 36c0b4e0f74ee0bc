// Package notifier forwards high-signal engine events (invites sent, invite
// requests that expired, failed poll cycles) to an operator chat.
//
// # Pipeline
//
// Notify enqueues; a small worker pool drains the queue through a token
// bucket, retrying failed sends with jittered exponential backoff. Identical
// texts within the dedup window are suppressed; the suppress-until times can
// be persisted so a restart doesn't replay alerts.
//
// # Transport
//
// Delivery goes through a Sender. The Telegram implementation uses telebot
// in offline mode: it only sends, it never polls for updates.
//
// # History
//
// The service keeps a small in-memory history of delivered alerts for the
// control API.
package notifier
