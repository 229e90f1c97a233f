/*
Package rpc states the contract between the core and the sequencer RPC
transport without implementing it. The transport — wire format, retries,
connection security — is an external collaborator (§6 in the governing
design). No other package in this module imports rpc: the Coordinator takes
a plain fetch function, and the Transaction Pipeline its own narrow
Submitter interface, which Client satisfies structurally.

Client lists every sequencer operation: sync (state, notes, nullifiers),
reads (block headers, blocks, note scripts, foreign account proofs),
paginated per-account readers, and transaction submission. Mock is a bare
in-memory stand-in; no package or test in this module uses it.
*/
package rpc
