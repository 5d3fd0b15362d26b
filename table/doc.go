// Package table holds the rows of one subscribed window: an ordered map from
// key tuple to the latest row, the order rows arrived in, and a bounded log of
// recent changes.
//
// A Table has a single writer. Every successful Apply publishes an immutable
// Snapshot through an atomic pointer, so readers on other goroutines never
// block the writer and always see a consistent, versioned view. Snapshots
// share structure with the live index through copy-on-write btree clones.
//
// When a row limit is set, Apply evicts in arrival order: the row that was
// least recently inserted or updated goes first, regardless of its key.
package table
