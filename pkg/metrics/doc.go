/*
Package metrics provides Prometheus metrics collection and exposition for the
account-state engine, the SMT forest, the sync reconciler, the transaction
pipeline, and the RPC client.

Metrics are package-level prometheus.Collectors registered at init time, the
same pattern used throughout this module's lineage: callers never construct
their own registry, they just Inc/Observe/Set the exported vars and mount
Handler() on an HTTP mux.

# Families

  - Account: AccountsTotal (by status), AccountsLockedTotal, ApplyDeltaDuration,
    ApplyDeltaFailuresTotal (by error kind).
  - Forest: ForestRootsTotal, ForestStagedRootsTotal.
  - Sync: SyncHeight, ReconciliationDuration, ReconciliationCyclesTotal,
    ReconciliationFailuresTotal, AccountsLockedBySyncTotal.
  - Pipeline: TransactionsSubmittedTotal, TransactionsByStatusTotal,
    TransactionPipelineDuration (by stage).
  - Coordinator: CoordinatorWaitDuration (by kind: sync vs. transaction).
  - RPC: RPCRequestsTotal, RPCRequestDuration (by method).

Timer is a small helper that wraps time.Since so call sites read as

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ApplyDeltaDuration)
*/
package metrics
