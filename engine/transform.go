package engine

import (
	"github.com/samthor/blocksync/block"
)

// Transform adjusts a remote operation for local operations which have been applied here but which its origin has not seen.
//
// The server acknowledges an operation only after broadcasting everything it applied before it.
// So a remote operation arriving while a local one is pending was applied on the server first, and the pending local one must win.
//
// Blocks are the unit of conflict, so operations on different blocks pass through unchanged.
// On the same block:
//   - a pending local delete of the target (or of an AddBlock's anchor) wins, and the remote op is dropped (ok is false)
//   - a pending local content or type update drops a remote update of the same kind
//   - remote formatting loses every field set by a pending local formatting update; if none are left it is dropped
//   - inserts at the same anchor are both kept; the remote lands directly after the anchor
func Transform(remote block.Operation, pending []block.Operation) (op block.Operation, ok bool) {
	if remote == nil {
		return nil, false
	}
	if remote.Kind() == block.KindCursorMove {
		return remote, true
	}

	target := remote.Target()
	var anchor string
	if add, isAdd := remote.(block.AddBlock); isAdd && add.AfterBlockID != nil {
		anchor = *add.AfterBlockID
	}

	for _, local := range pending {
		switch local := local.(type) {
		case block.DeleteBlock:
			if local.BlockID == target || (anchor != "" && local.BlockID == anchor) {
				return remote, false
			}

		case block.UpdateBlockContent, block.UpdateBlockType:
			if local.Kind() == remote.Kind() && local.Target() == target {
				return remote, false
			}

		case block.UpdateBlockFormatting:
			format, isFormat := remote.(block.UpdateBlockFormatting)
			if !isFormat || local.BlockID != target {
				continue
			}
			format.Formatting = format.Formatting.Without(local.Formatting)
			if format.Formatting.Empty() {
				return remote, false
			}
			remote = format
		}
	}

	return remote, true
}
