// Package delivery runs the delayed-delivery scheduler.
//
// Every pending delivery lives in a storage.Store first; this package only
// keeps an in-memory wake-up for each stored record and acts on it when due.
//
// Scheduling
//
// A single loop goroutine owns a min-heap of (id, due time) entries and sleeps
// on one timer until the earliest entry is due. A sleep never exceeds one
// minute so wall clock jumps are picked up. Entries that are already due fire
// immediately, and each fired entry is handed to its own supervised goroutine,
// so one slow send never delays another recipient.
//
// Claiming
//
// By default a fired entry first removes its record from the store. Only the
// caller that actually removed it goes on to send, which makes delivery
// at-most-once: a cancel that finishes before the claim always wins, and a
// crash after the claim never causes a second send on restart.
//
// With ClaimBeforeSend disabled the record is sent first and removed after the
// attempt. Store membership is checked once more between recipient resolution
// and the send so a late cancel still suppresses delivery.
//
// Failures
//
// Resolve and send errors are wrapped in ErrTransport, logged and published as
// delivery.failed events. They are not retried.
package delivery
