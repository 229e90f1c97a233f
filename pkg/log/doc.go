/*
Package log provides structured logging for the account-state engine using
zerolog.

Init configures the global Logger once, at process startup, from a Config
(level, JSON vs. console output, destination writer). Every package in this
module gets its own child logger via WithComponent("engine"),
WithComponent("storage"), WithComponent("reconciler"), and so on, so every
line carries a component field without each package needing to know about
the others' naming.

WithAccountID, WithTransactionID, and WithBlockNum each return a child of
the global Logger carrying one identifier field (account_id,
transaction_id, block_num). They start from the global Logger, not from a
component logger, so their lines carry no component field:

	logger := log.WithAccountID(id.String())

The package-level Info/Debug/Warn/Error/Errorf/Fatal helpers write through
the global Logger and exist for call sites that have no component context
worth attaching — CLI entry points, init-time failures.
*/
package log
