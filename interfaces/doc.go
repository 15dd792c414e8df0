// Package interfaces defines the contracts between the deployment engine and
// its external collaborators, separating interface definitions from
// implementations.
//
// # Toolchain Interfaces
//
// Generator: turns a module's declared inputs, outputs and handlers into
// enclave sources and reports the numeric id of every interface.
//
// Toolchain: builds a module binary, converts and signs enclave images, and
// relinks embedded modules against the symbol table returned by their node.
//
// Runner: executes an external process. Every toolchain implementation goes
// through a Runner so tests can substitute a fake.
//
// Attester: performs remote attestation of a deployed enclave module and
// returns the negotiated session key.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed storage for deployment descriptors across
// multiple backend types (file, S3, IPFS, GitHub, Vault).
package interfaces
