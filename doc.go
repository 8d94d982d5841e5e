// Package hearth is an embedded, file-backed time-series store for
// home telemetry. Records are JSON objects keyed by a millisecond
// timestamp and a source name, cached in memory at day granularity and
// persisted as one pretty-printed JSON file per day under a
// years/YYYY/MM directory tree, so the store remains inspectable and
// repairable with ordinary tools.
//
// Live submissions pass through an append-only journal before reaching
// the day cache; on restart the journal replays, so an unclean shutdown
// loses at most the unflushed tail of the write buffer. A background
// scheduler flushes dirty days, purges the cache and rotates the
// journal once a day.
//
// Queries read day ranges, the per-source latest state, or decoded
// channels: per-(source, property, bit-field) series of state
// durations and on/cycle times, driven by a compact channel-set
// grammar. Timekeeping uses a fixed-offset calendar in package thyme.
package hearth
