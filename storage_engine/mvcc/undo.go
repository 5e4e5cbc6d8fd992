package mvcc

// UndoEntry records enough to reverse one write so Rollback can restore
// prior state. Grounded in original_source/src/mvcc/mod.rs's UndoEntry
// enum (Insert/Delete/Update variants), generalized from a single heap
// file to Horizon's tree-addressed rows: every entry names the tree it
// came from so Rollback can route it back to the right btree.Tree.
type UndoEntry struct {
	Kind   UndoKind
	TreeID uint32
	Key    []byte
	Before []byte // prior serialized RowVersion bytes; unused for Insert
}

// UndoKind tags what kind of write an UndoEntry reverses.
type UndoKind int

const (
	// UndoInsert reverses a row creation: rollback deletes the key.
	UndoInsert UndoKind = iota
	// UndoDelete reverses a row deletion: rollback restores Before.
	UndoDelete
	// UndoUpdate reverses an in-place row update: rollback restores Before.
	UndoUpdate
)
