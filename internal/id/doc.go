// Package id generates the identifiers handed out by emulated services.
//
//   - UUID: random v4 UUIDs for request ids, message ids and key ids.
//   - Sortable: v7 UUIDs whose string order follows creation time, used
//     where listings must come back in arrival order (queue messages).
//   - Hex and Alphanumeric: opaque tokens such as receipt handles, lock
//     tokens and secret version ids.
//
// All randomness comes from crypto/rand.
package id
