/*
Package txpipeline implements the Transaction Pipeline named in the system
overview: the component that stages a request's input notes, foreign
account inputs, and script, runs it through the external executor, proves
it, submits it, and produces a deferred store update.

	TransactionRequest ──validate──▶ Executor.Execute ──▶ ExecutedTransaction
	                                                            │
	                                                       Prover.Prove
	                                                            │
	                                                      ProvenTransaction
	                                                            │
	                                              Submitter.SubmitProvenTransaction
	                                                            │
	                                                 TransactionStoreUpdate
	                                                            │
	                                                  Pipeline.Apply(engine)

Execute/Prove/Submit never touch the Store or Forest — they only produce
values. Apply is the single point where those values reach durable state,
through the Engine (so Store and Forest move together) plus a Pending
TransactionRecord; later sync reconciliation is what turns Pending into
Committed or Discarded.
*/
package txpipeline
