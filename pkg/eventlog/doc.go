/*
Package eventlog implements the framed append-only binary log that is the
single source of truth for messages between the coordinator and workers.

Each frame on disk is:

	MAGIC(4) | CRC32(4) | LEN(4) | PAYLOAD(LEN)

with MAGIC = 0x554C4142, all integers little-endian, and CRC32 covering the
payload. The payload is a compact binary tuple (i64 ts_ms, string kind,
bytes payload_json); the inner JSON is kept opaque so the framing layer
never parses user payloads.

Durability guarantees:

  - A frame observed by any reader is either fully valid or skipped;
    partial writes never surface as valid records.
  - Readers are crash-safe: reopening and seeking to a prior NextOffset
    resumes at the next frame.
  - Concurrent readers are independent; there is one writer per file.

Corrupted framing (bad magic, implausible length, CRC mismatch) is healed
by scanning byte-by-byte for the next magic marker, so a damaged region
costs only the frames inside it.
*/
package eventlog
