// Package cdc provides the public types for Change Data Capture (CDC) events
// consumed by the sink.
//
// The package defines the ChangeEvent type representing a single row-level
// change, and the decoding of the JSON envelope produced by Debezium-style
// connectors (event kind, source timestamp in epoch milliseconds, and the
// row image). These types are meant to be used by external applications that
// want to feed or inspect the CDC stream the sink consumes.
//
// Key Components:
//   - ChangeEvent: Type representing a database change event
//   - ChangeType: The kind of change (insert, update, delete)
//   - DecodeChangeEvent: Decoding of a raw stream record into a ChangeEvent
package cdc
