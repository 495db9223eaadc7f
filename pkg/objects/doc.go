// Package objects implements the content-addressed object store and the
// mutable ref table of a repository.
//
// Objects (blobs, trees, commits) are immutable and keyed by the blake2b
// hash of their canonical byte encoding: identical content always yields
// the identical key. Typed views over commits and trees are parsed lazily
// on read and never cached here; memoization of derived data is the job of
// the view cache.
//
// Refs are named pointers to commits, mutated only through an atomic
// compare-and-swap so that concurrent pushes to the same ref race cleanly:
// exactly one wins, the loser observes ErrConflict.
package objects
