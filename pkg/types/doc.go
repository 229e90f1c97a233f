// Package types defines the account-state domain model shared by storage,
// smt, engine, reconciler, and txpipeline: accounts, storage slots, asset
// vaults, deltas, and sync/transaction records. It holds no logic beyond
// small constructors and accessors — hashing and persistence live in their
// own packages.
package types
