// Package drivers registers the database/sql drivers the cache store can
// open.  Binaries import it; package tests register only what they use.
package drivers

// Ready makes the import explicit at the call site.
func Ready() {}
