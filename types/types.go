package types

const (
	// TypeBits is the number of bits of an ID holding the type field.
	TypeBits = 7

	// IndexBits is the number of bits of an ID holding the per-type index field.
	IndexBits = 63 - TypeBits

	// TypeMax is the first type ID outside the valid range.
	TypeMax TypeID = 1<<TypeBits - 1

	// FirstUserType is the first type ID available to dynamic registration.
	// Types below it are reserved for the host library.
	FirstUserType TypeID = 16

	// MaxIndex is the highest index storable in the index field.
	MaxIndex uint64 = 1<<IndexBits - 1

	// Invalid denotes "no ID".
	Invalid ID = -1

	// Default is the sentinel recognized by operations accepting a default object.
	Default ID = 0
)

type (
	// ID is an opaque integer handle. The top bits below the sign bit carry
	// the type field, the lower bits the per-type index. The sign bit is never
	// set on a valid ID.
	ID int64

	// TypeID identifies a type registry. Valid values are in [1, TypeMax).
	TypeID int64
)

// Make composes an ID from a type and an index.
func Make(t TypeID, index uint64) ID {
	return ID(t)<<IndexBits | ID(index&MaxIndex)
}

// Type extracts the type field of an ID.
func (id ID) Type() TypeID {
	return TypeID(id >> IndexBits)
}

// Index extracts the index field of an ID.
func (id ID) Index() uint64 {
	return uint64(id) & MaxIndex
}

// Valid tells whether the ID is nonnegative and carries a type field in the
// valid range. It does not consult any registry.
func (id ID) Valid() bool {
	return id >= 0 && id.Type().Valid()
}

// Valid tells whether the type ID is in the valid range.
func (t TypeID) Valid() bool {
	return t > 0 && t < TypeMax
}

// User tells whether the type ID is outside the range reserved for the host
// library.
func (t TypeID) User() bool {
	return t >= FirstUserType && t < TypeMax
}
