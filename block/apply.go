package block

import (
	"slices"
)

// Apply mutates this Document with the given Operation.
// It returns false if the operation had no effect, which is normal for a stale target: the block was deleted or its anchor vanished.
// CursorMove never applies.
func (d *Document) Apply(op Operation) (applied bool) {
	switch op := op.(type) {
	case AddBlock:
		if d.Index(op.Block.ID) != -1 {
			return false // already present
		}
		at := 0
		if op.AfterBlockID != nil {
			anchor := d.Index(*op.AfterBlockID)
			if anchor == -1 {
				return false
			}
			at = anchor + 1
		}
		d.Blocks = slices.Insert(d.Blocks, at, op.Block.Clone())
		return true

	case DeleteBlock:
		i := d.Index(op.BlockID)
		if i == -1 {
			return false
		}
		d.Blocks = slices.Delete(d.Blocks, i, i+1)
		return true

	case UpdateBlockContent:
		b := d.Lookup(op.BlockID)
		if b == nil {
			return false
		}
		b.Content = op.Content
		return true

	case UpdateBlockFormatting:
		b := d.Lookup(op.BlockID)
		if b == nil {
			return false
		}
		b.Formatting.Merge(op.Formatting)
		return true

	case UpdateBlockType:
		b := d.Lookup(op.BlockID)
		if b == nil || !op.NewType.Valid() {
			return false
		}
		b.Type = op.NewType
		return true
	}

	return false
}
