// Package protocol implements encoding and decoding of RESP, the protocol spoken
// between respmux and the data store servers it multiplexes onto.
//
// Two revisions of the protocol are supported:
//
// - `RESP2` - the legacy revision. Replies are one of simple string, error, integer,
//             bulk string or array. Nulls are sent as a bulk string or array with a
//             length of -1.
// - `RESP3` - the extended revision negotiated with `HELLO 3`. It adds null, double,
//             boolean, blob error, verbatim string, big number, map, set, attribute
//             and push frames.
//
// === General Syntax
//
// - every frame starts with a single type byte
// - lines are `\r\n` delimited
// - bulk payloads are length prefixed and binary safe
// - aggregates are count prefixed and nest to any depth
//
// A request is always an array of bulk strings
//
//   ```
//     *2\r\n$3\r\nGET\r\n$3\r\nkey\r\n
//   ```
//
// The reply is a single frame of any type
//
//   ```
//     $5\r\nvalue\r\n
//   ```
//
// Replies carry no request identifier. The server answers requests in the order
// they were written, so the client matches a reply to the oldest request that is
// still waiting. Push frames (`>`) are the exception: they can arrive between
// replies at any time and are never matched to a request.
//
// === Decoding
//
// Decode never assumes a whole frame is buffered. When the buffer ends part way
// through a frame it returns ErrIncomplete and consumes nothing, so callers can
// append more bytes and try again. A malformed frame returns a *ProtocolError, at
// which point the stream can no longer be trusted and the connection must be
// closed.
//
// Attribute frames (`|`) are decoded and attached to the frame that follows them.
//
// === Frame Variants
//
//   | Kind           | Byte | Revision |
//   |----------------|------|----------|
//   | SimpleString   | +    | 2, 3     |
//   | Error          | -    | 2, 3     |
//   | Integer        | :    | 2, 3     |
//   | BulkString     | $    | 2, 3     |
//   | Array          | *    | 2, 3     |
//   | Null           | _    | 3        |
//   | Double         | ,    | 3        |
//   | Boolean        | #    | 3        |
//   | BlobError      | !    | 3        |
//   | Verbatim       | =    | 3        |
//   | BigNumber      | (    | 3        |
//   | Map            | %    | 3        |
//   | Set            | ~    | 3        |
//   | Attribute      | |    | 3        |
//   | Push           | >    | 3        |
//
package protocol
