// Package merge verifies the chunks of an upload session and assembles them
// into the final object.
//
// # Overview
//
// Assembly runs an ordered list of strategies, each a complete fallback for
// the previous one:
//  1. compose: server-side concatenation, batched by the gateway's source
//     limit. No bytes travel through this process.
//  2. multipart: a native multipart upload fed by streaming every chunk
//     through this process.
//  3. buffer: every chunk is spilled to a local temporary directory and the
//     ordered stream is re-uploaded as one object.
//
// Every strategy writes the same destination key and either succeeds or
// leaves it untouched. The byte order of the result always follows ascending
// part numbers, independent of the order in which transfers finish.
//
// # Errors
//
// Verify returns *common.ChunkMissingError when a chunk is absent or has the
// wrong size. Assemble returns *common.MergeExhaustedError carrying every
// attempt when all strategies failed.
package merge
