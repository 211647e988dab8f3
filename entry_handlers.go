package ramlog

// EntryHandlers is the narrow capability interface the log needs from its
// external collaborators (the hash-index, primarily) during cleaning. A
// real master wires this to the hash-index; tests use
// testutil.MockEntryHandlers.
type EntryHandlers interface {
	// GetTimestamp returns the entry's age-ordering timestamp, used by
	// doDiskCleaning to sort relocated entries cold-to-hot.
	GetTimestamp(t EntryType, payload []byte) uint32

	// CheckLiveness reports whether the entry is still the current
	// version of whatever it represents (false once overwritten or its
	// referent tombstoned).
	CheckLiveness(t EntryType, payload []byte) bool

	// Relocate atomically swaps the external index entry from oldRef to
	// newRef iff the entry is still live, and reports whether the swap
	// took. A false return means the entry died between CheckLiveness and
	// Relocate (a race with a foreground overwrite); the cleaner must then
	// roll back the relocation rather than leave two referenced copies.
	Relocate(t EntryType, oldRef, newRef Reference) bool
}
