// Package engine is the session-owned facade of the metrics engine.
//
// An Engine owns a worker pool, a cache manager, the daily/weekly/monthly
// calculators, the correlation analyzer, the anomaly detector and the background
// refresh scheduler. Every statistic is read through the cache: weekly and monthly
// values pull their children through it too, which records the dependency edges
// that let a change to one day's observations cascade up to every derived result.
//
// The record store is borrowed. Close releases what the engine created and leaves
// the store to its owner.
package engine
