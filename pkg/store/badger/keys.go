package badger

import (
	"fmt"

	"github.com/marmos91/orchard/pkg/domain"
)

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a key-value store, so we use prefixed keys to organize different
// data types into logical namespaces. This design:
//   - Prevents key collisions between different data types
//   - Enables efficient range scans (children of a folder, ranks in order)
//   - Makes the database structure self-documenting
//
// Identifier Encoding:
//
// Item identifiers and ranks are encoded as zero-padded 16-digit lowercase hex
// (%016x) inside keys. Fixed width makes lexicographic key order equal to
// numeric order, which is what the rank scan and the insertion-order listing
// rely on.
//
// Key Namespace Prefixes:
//
// Data Type            Prefix   Key Format                       Value Type
// ============================================================================
// Item Records         "i:"     i:<id>                           itemRecord (JSON)
// Children Index       "c:"     c:<parentID>:<childName>         childID (hex string)
// Rank Index           "r:"     r:<rank>                         itemID (hex string)
// Content Revisions    "v:"     v:<id>:<revision>                revisionRecord (JSON)
// Resource Forks       "f:"     f:<id>                           raw bytes
// Thumbnails           "t:"     t:<id>                           raw bytes
// Locks                "l:"     l:<id>:<enumerationIndex>        domain.Lock (JSON)
// Accounts             "a:"     a:<accountIdentifier>            domain.Account (JSON)
// Simulated Errors     "e:"     e:<id>:<accessType>              domain.SimulatedError (JSON)
// Quota Usage          "q:"     q:<rootID>                       int64 (JSON)
// Counters             "cnt:"   cnt:item | cnt:rank              int64 (JSON)
//
// Key Design Rationale:
//
// 1. Item Records (i:)
//    - One entry per item, point lookup by identifier: O(1)
//    - Tombstones stay here after deletion (ancestry is retained)
//
// 2. Children Index (c:)
//    - Denormalized: one entry per non-deleted child
//    - Collision lookup for create/move is a point read
//    - Listing children is a range scan over "c:<parentID>:"
//    - Deleted children are removed from this index (tombstones are only
//      reachable by identifier or through the rank index)
//
// 3. Rank Index (r:)
//    - Exactly one entry per item, keyed by the item's current rank
//    - Re-stamping an item deletes its old rank key and writes the new one,
//      so a scan from any watermark sees each item at most once
//    - list_changes is a seek to r:<sinceRank+1> plus a forward scan
//
// 4. Content Revisions (v:)
//    - One entry per retained revision; the live revision number equals the
//      item's content version
//    - Conflict revisions keep their numbers until resolved
//
// 5. Locks (l:)
//    - Range scan over "l:<id>:" finds all locks of one item; a full "l:"
//      scan drives the expiry sweep
//
// 6. Counters (cnt:)
//    - Singletons persisting the monotonic item-identifier and rank
//      allocators across restarts

const (
	prefixItem      = "i:"
	prefixChild     = "c:"
	prefixRank      = "r:"
	prefixRevision  = "v:"
	prefixFork      = "f:"
	prefixThumbnail = "t:"
	prefixLock      = "l:"
	prefixAccount   = "a:"
	prefixSimError  = "e:"
	prefixQuota     = "q:"
	prefixCounter   = "cnt:"
)

// hexID renders an identifier or rank as fixed-width hex so key order matches
// numeric order.
func hexID(v int64) string {
	return fmt.Sprintf("%016x", uint64(v))
}

// itemIDFromHex parses a hexID-encoded identifier back out of an index
// value.
func itemIDFromHex(s string) (domain.ItemID, error) {
	var v uint64
	if _, err := fmt.Sscanf(s, "%016x", &v); err != nil {
		return 0, fmt.Errorf("corrupt index value %q: %w", s, err)
	}
	return domain.ItemID(v), nil
}

// keyItem generates the key for an item record.
//
// Format: "i:<id>"
func keyItem(id domain.ItemID) []byte {
	return []byte(prefixItem + hexID(int64(id)))
}

// keyItemPrefix is the prefix of the whole item table.
func keyItemPrefix() []byte {
	return []byte(prefixItem)
}

// keyChild generates the key for a child entry in a folder.
//
// Format: "c:<parentID>:<childName>"
func keyChild(parent domain.ItemID, name string) []byte {
	return []byte(prefixChild + hexID(int64(parent)) + ":" + name)
}

// keyChildPrefix generates the prefix for range scanning a folder's children.
func keyChildPrefix(parent domain.ItemID) []byte {
	return []byte(prefixChild + hexID(int64(parent)) + ":")
}

// keyRank generates the rank-index key for a rank value.
//
// Format: "r:<rank>"
func keyRank(rank domain.Rank) []byte {
	return []byte(prefixRank + hexID(int64(rank)))
}

// keyRankPrefix is the prefix of the whole rank index.
func keyRankPrefix() []byte {
	return []byte(prefixRank)
}

// keyRevision generates the key for one content revision of an item.
//
// Format: "v:<id>:<revision>"
func keyRevision(id domain.ItemID, revision int64) []byte {
	return []byte(prefixRevision + hexID(int64(id)) + ":" + hexID(revision))
}

// keyRevisionPrefix generates the prefix for scanning an item's revisions in
// revision order.
func keyRevisionPrefix(id domain.ItemID) []byte {
	return []byte(prefixRevision + hexID(int64(id)) + ":")
}

// keyFork generates the key for an item's resource fork payload.
func keyFork(id domain.ItemID) []byte {
	return []byte(prefixFork + hexID(int64(id)))
}

// keyThumbnail generates the key for an item's thumbnail blob.
func keyThumbnail(id domain.ItemID) []byte {
	return []byte(prefixThumbnail + hexID(int64(id)))
}

// keyLock generates the key for one lock of an item.
//
// Format: "l:<id>:<enumerationIndex>"
func keyLock(id domain.ItemID, enumerationIndex int64) []byte {
	return []byte(prefixLock + hexID(int64(id)) + ":" + hexID(enumerationIndex))
}

// keyLockPrefix generates the prefix for scanning one item's locks.
func keyLockPrefix(id domain.ItemID) []byte {
	return []byte(prefixLock + hexID(int64(id)) + ":")
}

// keyLockAll is the prefix of the whole lock table (expiry sweep).
func keyLockAll() []byte {
	return []byte(prefixLock)
}

// keyAccount generates the key for an account record.
func keyAccount(id domain.AccountID) []byte {
	return []byte(prefixAccount + string(id))
}

// keyAccountPrefix is the prefix of the account table.
func keyAccountPrefix() []byte {
	return []byte(prefixAccount)
}

// keySimError generates the key for a simulated-error record.
//
// Format: "e:<id>:<accessType>"
func keySimError(id domain.ItemID, access domain.AccessType) []byte {
	return []byte(prefixSimError + hexID(int64(id)) + ":" + string(access))
}

// keySimErrorPrefix is the prefix of the simulated-error table.
func keySimErrorPrefix() []byte {
	return []byte(prefixSimError)
}

// keyQuota generates the key for a root's quota usage counter.
func keyQuota(root domain.ItemID) []byte {
	return []byte(prefixQuota + hexID(int64(root)))
}

// keyCounterItem is the singleton key of the item-identifier allocator.
func keyCounterItem() []byte {
	return []byte(prefixCounter + "item")
}

// keyCounterRank is the singleton key of the rank allocator.
func keyCounterRank() []byte {
	return []byte(prefixCounter + "rank")
}
