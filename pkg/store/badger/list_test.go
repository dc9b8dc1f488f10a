package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/store"
)

// ============================================================================
// ListFiles
// ============================================================================

func TestListFiles(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	folder := mustCreateFolder(t, s, account, account.Root, "docs")
	var created []domain.ItemID
	for i := 0; i < 5; i++ {
		entry := mustCreateFile(t, s, account, folder.ID, fmt.Sprintf("f%d.txt", i), nil)
		created = append(created, entry.ID)
	}

	entries, cursor, err := s.ListFiles(ctx, account, folder.ID, nil, false, 0)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if cursor != nil {
		t.Errorf("Exhausted listing returned a cursor: %d", *cursor)
	}
	if len(entries) != 5 {
		t.Fatalf("Entries = %d, want 5", len(entries))
	}

	// Identifier order is insertion order.
	for i, entry := range entries {
		if entry.ID != created[i] {
			t.Errorf("Entry %d = item %d, want %d", i, entry.ID, created[i])
		}
	}
}

func TestListFilesPagination(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	folder := mustCreateFolder(t, s, account, account.Root, "docs")
	for i := 0; i < 5; i++ {
		mustCreateFile(t, s, account, folder.ID, fmt.Sprintf("f%d.txt", i), nil)
	}

	var (
		all    []domain.Entry
		cursor *domain.ItemID
		pages  int
	)
	for {
		entries, next, err := s.ListFiles(ctx, account, folder.ID, cursor, false, 2)
		if err != nil {
			t.Fatalf("ListFiles failed: %v", err)
		}
		all = append(all, entries...)
		pages++
		if next == nil {
			break
		}
		cursor = next
	}

	if len(all) != 5 {
		t.Errorf("Paged listing collected %d entries, want 5", len(all))
	}
	if pages != 3 {
		t.Errorf("Pages = %d, want 3", pages)
	}

	seen := map[domain.ItemID]bool{}
	for _, entry := range all {
		if seen[entry.ID] {
			t.Errorf("Item %d returned twice across pages", entry.ID)
		}
		seen[entry.ID] = true
	}
}

func TestListFilesRecursive(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	folder := mustCreateFolder(t, s, account, account.Root, "docs")
	sub := mustCreateFolder(t, s, account, folder.ID, "sub")
	nested := mustCreateFile(t, s, account, sub.ID, "deep.txt", nil)
	outside := mustCreateFile(t, s, account, account.Root, "top.txt", nil)

	entries, _, err := s.ListFiles(ctx, account, folder.ID, nil, true, 0)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}

	ids := map[domain.ItemID]bool{}
	for _, entry := range entries {
		ids[entry.ID] = true
	}
	if !ids[sub.ID] || !ids[nested.ID] {
		t.Errorf("Recursive listing missing descendants: %v", ids)
	}
	if ids[outside.ID] {
		t.Errorf("Recursive listing leaked an item outside the folder")
	}
	if ids[folder.ID] {
		t.Errorf("Listing must not include the folder itself")
	}
}

func TestListFilesSkipsTombstones(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	folder := mustCreateFolder(t, s, account, account.Root, "docs")
	keep := mustCreateFile(t, s, account, folder.ID, "keep.txt", nil)
	gone := mustCreateFile(t, s, account, folder.ID, "gone.txt", nil)

	if err := s.DeleteItem(ctx, account, gone.ID, nil, false); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}

	entries, _, err := s.ListFiles(ctx, account, folder.ID, nil, false, 0)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != keep.ID {
		t.Errorf("Listing = %+v, want only item %d", entries, keep.ID)
	}
}

// ============================================================================
// ListChanges
// ============================================================================

func TestListChanges(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	anchor, err := s.LatestRank(ctx)
	if err != nil {
		t.Fatalf("LatestRank failed: %v", err)
	}

	file := mustCreateFile(t, s, account, account.Root, "a.txt", nil)

	entries, hasMore, rank, err := s.ListChanges(ctx, account, account.Root, anchor, true, 0)
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	if hasMore {
		t.Errorf("Unexpected hasMore on a small change set")
	}
	if rank <= anchor {
		t.Errorf("Returned rank %d not past the anchor %d", rank, anchor)
	}

	ids := map[domain.ItemID]bool{}
	for _, entry := range entries {
		ids[entry.ID] = true
	}
	// Creating a child stamps both the child and the folder.
	if !ids[file.ID] {
		t.Errorf("New file missing from changes")
	}
	if !ids[account.Root] {
		t.Errorf("Parent folder missing from changes")
	}

	t.Run("NothingAfterLatest", func(t *testing.T) {
		latest, err := s.LatestRank(ctx)
		if err != nil {
			t.Fatalf("LatestRank failed: %v", err)
		}
		entries, _, rank, err := s.ListChanges(ctx, account, account.Root, latest, true, 0)
		if err != nil {
			t.Fatalf("ListChanges failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("Expected no changes past the latest rank, got %d", len(entries))
		}
		if rank != latest {
			t.Errorf("Empty enumeration moved the rank: %d -> %d", latest, rank)
		}
	})
}

func TestListChangesIncludesTombstones(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	file := mustCreateFile(t, s, account, account.Root, "a.txt", nil)

	anchor, err := s.LatestRank(ctx)
	if err != nil {
		t.Fatalf("LatestRank failed: %v", err)
	}
	if err := s.DeleteItem(ctx, account, file.ID, nil, false); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}

	entries, _, _, err := s.ListChanges(ctx, account, account.Root, anchor, true, 0)
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}

	var tombstone *domain.Entry
	for i := range entries {
		if entries[i].ID == file.ID {
			tombstone = &entries[i]
		}
	}
	if tombstone == nil {
		t.Fatalf("Deletion missing from changes")
	}
	if !tombstone.Deleted {
		t.Errorf("Deleted item not marked as a tombstone")
	}
}

func TestListChangesRankOrder(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	a := mustCreateFile(t, s, account, account.Root, "a.txt", nil)
	b := mustCreateFile(t, s, account, account.Root, "b.txt", nil)

	// Touch a again: it must now sort after b in the change feed.
	name := "a2.txt"
	if _, err := s.UpdateMetadata(ctx, account, store.UpdateMetadataParams{
		ID: a.ID, ExpectedVersion: a.Revision, Name: &name,
	}); err != nil {
		t.Fatalf("UpdateMetadata failed: %v", err)
	}

	entries, _, _, err := s.ListChanges(ctx, account, account.Root, 0, true, 0)
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}

	posA, posB := -1, -1
	for i, entry := range entries {
		switch entry.ID {
		case a.ID:
			posA = i
		case b.ID:
			posB = i
		}
	}
	if posA < 0 || posB < 0 {
		t.Fatalf("Changes missing items: a=%d b=%d", posA, posB)
	}
	if posA < posB {
		t.Errorf("Re-touched item should sort after the untouched one: a=%d b=%d", posA, posB)
	}

	// Each item appears once: restamping replaces the old rank entry.
	seen := map[domain.ItemID]int{}
	for _, entry := range entries {
		seen[entry.ID]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Errorf("Item %d appears %d times in one enumeration", id, n)
		}
	}
}

func TestListChangesBatching(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		mustCreateFile(t, s, account, account.Root, fmt.Sprintf("f%d", i), nil)
	}

	var (
		since   domain.Rank
		total   int
		rounds  int
		hasMore = true
	)
	for hasMore {
		var entries []domain.Entry
		var err error
		entries, hasMore, since, err = s.ListChanges(ctx, account, account.Root, since, true, 3)
		if err != nil {
			t.Fatalf("ListChanges failed: %v", err)
		}
		total += len(entries)
		rounds++
		if rounds > 20 {
			t.Fatalf("Change enumeration does not terminate")
		}
	}

	// 6 files, the trash folder, and the root's final restamp: every live
	// item exactly once.
	if total != 8 {
		t.Errorf("Total entries across batches = %d, want 8", total)
	}
}

func TestListChangesNonRecursive(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	folder := mustCreateFolder(t, s, account, account.Root, "docs")
	nested := mustCreateFile(t, s, account, folder.ID, "deep.txt", nil)

	entries, _, _, err := s.ListChanges(ctx, account, account.Root, 0, false, 0)
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}

	for _, entry := range entries {
		if entry.ID == nested.ID {
			t.Errorf("Non-recursive enumeration leaked a grandchild")
		}
	}
}

func TestLatestRankAdvances(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	before, err := s.LatestRank(ctx)
	if err != nil {
		t.Fatalf("LatestRank failed: %v", err)
	}

	mustCreateFile(t, s, account, account.Root, "a.txt", nil)

	after, err := s.LatestRank(ctx)
	if err != nil {
		t.Fatalf("LatestRank failed: %v", err)
	}
	if after <= before {
		t.Errorf("Rank did not advance: %d -> %d", before, after)
	}
}

func TestCountItems(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s, "Alice")
	ctx := context.Background()

	// Root and trash exist from account creation.
	count, err := s.CountItems(ctx)
	if err != nil {
		t.Fatalf("CountItems failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 items, got %d", count)
	}

	file := mustCreateFile(t, s, account, account.Root, "a.txt", nil)

	count, err = s.CountItems(ctx)
	if err != nil {
		t.Fatalf("CountItems failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 items, got %d", count)
	}

	// Tombstones still count.
	if err := s.DeleteItem(ctx, account, file.ID, nil, false); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	count, err = s.CountItems(ctx)
	if err != nil {
		t.Fatalf("CountItems failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 items after delete, got %d", count)
	}
}
