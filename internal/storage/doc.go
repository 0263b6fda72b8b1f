package storage

// Package storage persists the pending delivery schedule.
//
// Two drivers are available:
//   - file: a JSON array of records, rewritten atomically on every mutation
//   - sqlite: one row per record, ordered by insertion
//
// Both keep records in creation order. That order is what list positions refer to.
