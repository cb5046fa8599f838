package index

import (
	"context"
	"fmt"
	"slices"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// Mismatch is a pair present in only one direction of an index.
type Mismatch struct {
	Attribute string
	User      interfaces.UserID
	// MissingFrom names the direction lacking the pair: "attr->user" or
	// "user->attr".
	MissingFrom string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("(%s, %s) missing from %s", m.Attribute, m.User, m.MissingFrom)
}

// AttrSide is the attribute→user direction with enumeration.
type AttrSide interface {
	interfaces.AttrUserIndex
	interfaces.IndexEnumerator
}

// UserSide is the user→attribute direction with enumeration.
type UserSide interface {
	interfaces.UserAttrIndex
	interfaces.IndexEnumerator
}

// CheckMirror verifies that u ∈ attrs[a] exactly when a ∈ users[u] and
// returns every violation found. The two sides may be the same object.
func CheckMirror(ctx context.Context, attrs AttrSide, users UserSide) ([]Mismatch, error) {
	var mismatches []Mismatch

	attributes, err := attrs.Attributes(ctx)
	if err != nil {
		return nil, err
	}
	for _, attribute := range attributes {
		holders, err := attrs.UsersByAttribute(ctx, attribute)
		if err != nil {
			return nil, err
		}
		for _, user := range holders {
			held, err := users.AttributesByUser(ctx, user)
			if err != nil {
				return nil, err
			}
			if !slices.Contains(held, attribute) {
				mismatches = append(mismatches, Mismatch{Attribute: attribute, User: user, MissingFrom: "user->attr"})
			}
		}
	}

	userIDs, err := users.Users(ctx)
	if err != nil {
		return nil, err
	}
	for _, user := range userIDs {
		held, err := users.AttributesByUser(ctx, user)
		if err != nil {
			return nil, err
		}
		for _, attribute := range held {
			holders, err := attrs.UsersByAttribute(ctx, attribute)
			if err != nil {
				return nil, err
			}
			if !slices.Contains(holders, user) {
				mismatches = append(mismatches, Mismatch{Attribute: attribute, User: user, MissingFrom: "attr->user"})
			}
		}
	}

	return mismatches, nil
}
