package interfaces

import "context"

// AttrUserIndex maps attributes to the users holding them.
type AttrUserIndex interface {
	// UsersByAttribute returns a snapshot of the users holding attribute.
	UsersByAttribute(ctx context.Context, attribute string) ([]UserID, error)

	// DeleteUser removes user from attribute. Deleting an absent pair is not an error.
	DeleteUser(ctx context.Context, attribute string, user UserID) error
}

// UserAttrIndex maps users to the attributes they hold.
type UserAttrIndex interface {
	// AttributesByUser returns a snapshot of the attributes held by user.
	AttributesByUser(ctx context.Context, user UserID) ([]string, error)

	// DeleteAttr removes attribute from user. Deleting an absent pair is not an error.
	DeleteAttr(ctx context.Context, user UserID, attribute string) error
}

// IndexPairRemover removes an (attribute, user) pair from both directions
// of an index in one transaction.
type IndexPairRemover interface {
	RemovePair(ctx context.Context, attribute string, user UserID) error
}

// AttributeGranter records that a user holds an attribute, in both
// directions of an index.
type AttributeGranter interface {
	Grant(ctx context.Context, user UserID, attribute string) error
}

// IndexEnumerator lists every attribute and user known to an index.
type IndexEnumerator interface {
	Attributes(ctx context.Context) ([]string, error)
	Users(ctx context.Context) ([]UserID, error)
}

// AttributeIndex is a two-way index implementation.
type AttributeIndex interface {
	AttrUserIndex
	UserAttrIndex
	IndexPairRemover
	AttributeGranter
	IndexEnumerator
}
