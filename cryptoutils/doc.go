// Package cryptoutils implements the key-wrap schemes used to deliver
// connection keys to modules, the module MACs of the lightweight scheme, and
// verification of the TDX quote an attestation service may return with a
// session key.
//
// Two schemes exist, selected by Encryption:
//
//   - EncryptionAES: AES-128-GCM. The IV is derived from the associated data,
//     which always carries a nonce unique per key.
//   - EncryptionSpongent: the lightweight scheme of Sancus-class nodes, a
//     BLAKE2s keystream with a 16 byte BLAKE2s tag.
//
// Wrap output is the ciphertext followed by the tag in both cases.
package cryptoutils
