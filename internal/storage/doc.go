// Package storage is the SQLite persistence layer.
//
// It holds:
//   - the page history log, with its two sent stamps
//   - users, groups, pages and participations (read by the resolver)
//   - the delivery log (one row per attempted send)
//   - cross-process run locks
//
// Schema changes live in migrations/ and are applied on Open.
package storage
