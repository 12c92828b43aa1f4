package sync

import "github.com/onedrived/onedrived/internal/models"

// squashLocal compresses contiguous per-item local records before the
// local processing phase runs (§4.6.1). Records are grouped by inode —
// in a single-threaded FUSE mount a file's own records are already
// contiguous in the raw queue, so grouping by inode and reducing each
// group independently is equivalent to squashing strictly-adjacent
// runs, and is robust if two items' records ever do interleave.
func squashLocal(items []*models.ProcessingItem) []*models.ProcessingItem {
	var order []uint64
	byInode := make(map[uint64][]*models.ProcessingItem)

	for _, it := range items {
		if _, seen := byInode[it.Inode]; !seen {
			order = append(order, it.Inode)
		}
		byInode[it.Inode] = append(byInode[it.Inode], it)
	}

	var out []*models.ProcessingItem
	for _, inode := range order {
		out = append(out, reduceInodeRun(byInode[inode])...)
	}
	return out
}

// reduceInodeRun applies the five squashing rules to one item's
// ordered sequence of local records.
func reduceInodeRun(run []*models.ProcessingItem) []*models.ProcessingItem {
	var out []*models.ProcessingItem
	var pending *models.ProcessingItem

	flush := func() {
		if pending != nil {
			out = append(out, pending)
			pending = nil
		}
	}

	for _, rec := range run {
		if pending == nil {
			pending = rec
			continue
		}

		switch {
		case pending.Op == models.OpCreate && rec.Op == models.OpDelete:
			// Rule 1: a create immediately undone by a delete never
			// needs to reach the remote at all.
			pending = nil
		case pending.Op == models.OpCreate && isMutation(rec.Op):
			// Rule 2: keep the create, but its final identity/content
			// comes from the most recent mutation.
			merged := *pending
			merged.Payload = rec.Payload
			merged.ID = rec.ID
			pending = &merged
		case pending.Op == models.OpUpdate && rec.Op == models.OpUpdate:
			pending = rec // Rule 3
		case pending.Op == models.OpRename && rec.Op == models.OpRename:
			pending = rec // Rule 4
		case pending.Op == models.OpMove && rec.Op == models.OpMove:
			pending = rec // Rule 5
		default:
			flush()
			pending = rec
		}
	}
	flush()
	return out
}

func isMutation(op models.Op) bool {
	return op == models.OpUpdate || op == models.OpRename || op == models.OpMove
}
