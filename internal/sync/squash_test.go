package sync

import (
	"testing"

	"github.com/onedrived/onedrived/internal/models"
)

func rec(inode uint64, op models.Op, id int64) *models.ProcessingItem {
	return &models.ProcessingItem{ID: id, Inode: inode, Op: op, ChangeType: models.ChangeLocal, Status: models.StatusNew}
}

func TestSquashLocal_CreateThenDeleteCancelsOut(t *testing.T) {
	in := []*models.ProcessingItem{
		rec(1, models.OpCreate, 1),
		rec(1, models.OpRename, 2),
		rec(1, models.OpUpdate, 3),
		rec(1, models.OpDelete, 4),
	}
	out := squashLocal(in)
	if len(out) != 0 {
		t.Fatalf("squashLocal = %+v, want empty (create+delete cancels, scenario 2)", out)
	}
}

func TestSquashLocal_CreateThenMutationsKeepsFinalCreate(t *testing.T) {
	in := []*models.ProcessingItem{
		rec(1, models.OpCreate, 1),
		rec(1, models.OpRename, 2),
		rec(1, models.OpUpdate, 3),
	}
	out := squashLocal(in)
	if len(out) != 1 || out[0].Op != models.OpCreate || out[0].ID != 3 {
		t.Fatalf("squashLocal = %+v, want single create carrying record 3's payload", out)
	}
}

func TestSquashLocal_ConsecutiveUpdatesKeepLast(t *testing.T) {
	in := []*models.ProcessingItem{
		rec(1, models.OpUpdate, 1),
		rec(1, models.OpUpdate, 2),
		rec(1, models.OpUpdate, 3),
	}
	out := squashLocal(in)
	if len(out) != 1 || out[0].ID != 3 {
		t.Fatalf("squashLocal = %+v, want only record 3", out)
	}
}

func TestSquashLocal_ConsecutiveRenamesKeepLast(t *testing.T) {
	in := []*models.ProcessingItem{
		rec(1, models.OpRename, 1),
		rec(1, models.OpRename, 2),
	}
	out := squashLocal(in)
	if len(out) != 1 || out[0].ID != 2 {
		t.Fatalf("squashLocal = %+v, want only record 2", out)
	}
}

func TestSquashLocal_ConsecutiveMovesKeepLast(t *testing.T) {
	in := []*models.ProcessingItem{
		rec(1, models.OpMove, 1),
		rec(1, models.OpMove, 2),
	}
	out := squashLocal(in)
	if len(out) != 1 || out[0].ID != 2 {
		t.Fatalf("squashLocal = %+v, want only record 2", out)
	}
}

func TestSquashLocal_DeleteNotPrecededByCreateStaysBoundary(t *testing.T) {
	// An update followed by a delete is not the create+delete case: the
	// item existed before this batch, so both records must survive.
	in := []*models.ProcessingItem{
		rec(1, models.OpUpdate, 1),
		rec(1, models.OpDelete, 2),
	}
	out := squashLocal(in)
	if len(out) != 2 {
		t.Fatalf("squashLocal = %+v, want update and delete to both survive", out)
	}
}

func TestSquashLocal_IndependentInodesDoNotInterfere(t *testing.T) {
	in := []*models.ProcessingItem{
		rec(1, models.OpUpdate, 1),
		rec(2, models.OpCreate, 2),
		rec(1, models.OpUpdate, 3),
		rec(2, models.OpDelete, 4),
	}
	out := squashLocal(in)
	if len(out) != 1 || out[0].Inode != 1 || out[0].ID != 3 {
		t.Fatalf("squashLocal = %+v, want only inode 1's final update", out)
	}
}

// TestSquashLocal_Idempotent verifies P8: Squash(Squash(Q)) = Squash(Q).
func TestSquashLocal_Idempotent(t *testing.T) {
	in := []*models.ProcessingItem{
		rec(1, models.OpCreate, 1),
		rec(1, models.OpRename, 2),
		rec(2, models.OpUpdate, 3),
		rec(2, models.OpUpdate, 4),
	}
	once := squashLocal(in)
	twice := squashLocal(once)
	if len(once) != len(twice) {
		t.Fatalf("squash not idempotent: once=%+v twice=%+v", once, twice)
	}
	for i := range once {
		if once[i].ID != twice[i].ID {
			t.Fatalf("squash not idempotent at index %d: once=%+v twice=%+v", i, once[i], twice[i])
		}
	}
}
