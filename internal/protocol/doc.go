// Package protocol implements the viewer wire protocol.
// It provides unbuffered line and exact-length reads that are safe to interleave with
// binary payloads on one stream, the 13-byte binary video frame header, and parsing and
// formatting of the pipe-delimited control lines exchanged with viewers.
package protocol
