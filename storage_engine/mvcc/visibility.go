package mvcc

// Visible implements spec §4.5's visibility predicate: a row version with
// (xmin, xmax) is visible to txn iff xmin committed strictly before txn's
// snapshot horizon and isn't concealed by a xmax that is equally visible.
//
// committedBefore(id) says "id is committed, and was already committed (or
// at least not concurrently active) when txn's snapshot was taken" — true
// exactly when id < snapshot.NextTxnID, id is not in snapshot.ActiveSet,
// and the transaction manager's table records id as Committed rather than
// Aborted (ActiveSet alone can't distinguish committed from aborted: both
// leave no trace in the active set once concluded).
//
// Own writes are always visible to the writer itself, and a version
// self-deleted by txn is hidden from txn — mirroring
// original_source/src/mvcc/mod.rs's can_see self-check, which the bare
// committed-xmin predicate above doesn't cover on its own (within txn,
// xmin == txn.ID is never "committed" until txn itself commits).
func Visible(v RowVersion, txn *Txn, isCommitted func(uint64) bool) bool {
	committedBefore := func(id uint64) bool {
		if id >= txn.Snapshot.NextTxnID {
			return false
		}
		if _, active := txn.Snapshot.ActiveSet[id]; active {
			return false
		}
		return isCommitted(id)
	}

	createdVisible := v.Xmin == txn.ID || committedBefore(v.Xmin)
	if !createdVisible {
		return false
	}

	if v.Xmax == 0 {
		return true
	}
	deletedVisible := v.Xmax == txn.ID || committedBefore(v.Xmax)
	return !deletedVisible
}
