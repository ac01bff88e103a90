// Package ledger records bridge activity — handled messages and analysis
// run outcomes — in a local SQLite database. Recording is strictly
// best-effort: the ledger exists for operators digging into what happened,
// and its failures never affect message handling.
package ledger
