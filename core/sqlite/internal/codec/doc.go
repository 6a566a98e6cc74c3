// Package codec implements transparent page-level encryption for the pager.
//
// A PageCodec sits between the page cache and the database file. Every page
// read from disk is decoded and every page written to the database or the
// rollback journal is encoded. The cipher itself is a pluggable Backend:
//
//	null        identity, no reserved bytes
//	xor         repeating 32-byte key (insecure, opt-in only)
//	rc4         RC4 keystream with per-page nonce (insecure, opt-in only)
//	aes128-ccm  AES-128 CTR with a CBC-MAC per page
//	aes256-ccm  AES-256 CTR with a CBC-MAC per page
//	aes128-ofb  AES-128 OFB keystream with per-page nonce
//	aes256-ofb  AES-256 OFB keystream with per-page nonce
//
// # Page Frame
//
// A page is laid out as
//
//	[ usable payload | reserved trailer ]
//
// The trailer width is recorded in byte 20 of the database header. For the
// CCM backends it holds a 16-byte MAC followed by a 16-byte nonce; the RC4
// and OFB backends store nonce bytes only.
//
// Bytes 16 through 23 of page 1 hold the page size and reserved width. They
// stay readable without a key so the pager can learn the geometry before
// the codec can decode anything.
//
// # Key Slots
//
// A codec holds two keys: the current key, used for writing the database
// file, and the previous key, used for reading it and for writing journal
// entries. Outside a re-key both slots hold the same key. A re-key loads
// the new key into the current slot, rewrites every page, and promotes it
// on commit or restores the previous key on abort.
//
// The codec is not safe for concurrent use. The pager serializes access.
package codec
