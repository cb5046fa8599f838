package index

import (
	"context"
	"slices"
	"sync"

	"github.com/ruteri/attribute-key-manager/interfaces"
)

// MemoryIndex keeps both directions of the attribute index in process
// memory under one lock, so every mutation touches both directions
// atomically.
type MemoryIndex struct {
	mu        sync.RWMutex
	attrUsers map[string]map[interfaces.UserID]struct{}
	userAttrs map[interfaces.UserID]map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		attrUsers: make(map[string]map[interfaces.UserID]struct{}),
		userAttrs: make(map[interfaces.UserID]map[string]struct{}),
	}
}

func (x *MemoryIndex) Grant(ctx context.Context, user interfaces.UserID, attribute string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	users, ok := x.attrUsers[attribute]
	if !ok {
		users = make(map[interfaces.UserID]struct{})
		x.attrUsers[attribute] = users
	}
	users[user] = struct{}{}

	attrs, ok := x.userAttrs[user]
	if !ok {
		attrs = make(map[string]struct{})
		x.userAttrs[user] = attrs
	}
	attrs[attribute] = struct{}{}
	return nil
}

func (x *MemoryIndex) UsersByAttribute(ctx context.Context, attribute string) ([]interfaces.UserID, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	users := make([]interfaces.UserID, 0, len(x.attrUsers[attribute]))
	for user := range x.attrUsers[attribute] {
		users = append(users, user)
	}
	slices.Sort(users)
	return users, nil
}

func (x *MemoryIndex) AttributesByUser(ctx context.Context, user interfaces.UserID) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	attrs := make([]string, 0, len(x.userAttrs[user]))
	for attr := range x.userAttrs[user] {
		attrs = append(attrs, attr)
	}
	slices.Sort(attrs)
	return attrs, nil
}

// RemovePair removes the pair from both directions under one lock.
func (x *MemoryIndex) RemovePair(ctx context.Context, attribute string, user interfaces.UserID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleteUser(attribute, user)
	x.deleteAttr(user, attribute)
	return nil
}

// DeleteUser removes only the attribute→user direction.
func (x *MemoryIndex) DeleteUser(ctx context.Context, attribute string, user interfaces.UserID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleteUser(attribute, user)
	return nil
}

// DeleteAttr removes only the user→attribute direction.
func (x *MemoryIndex) DeleteAttr(ctx context.Context, user interfaces.UserID, attribute string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleteAttr(user, attribute)
	return nil
}

func (x *MemoryIndex) deleteUser(attribute string, user interfaces.UserID) {
	users := x.attrUsers[attribute]
	delete(users, user)
	if len(users) == 0 {
		delete(x.attrUsers, attribute)
	}
}

func (x *MemoryIndex) deleteAttr(user interfaces.UserID, attribute string) {
	attrs := x.userAttrs[user]
	delete(attrs, attribute)
	if len(attrs) == 0 {
		delete(x.userAttrs, user)
	}
}

// Attributes lists every attribute held by at least one user.
func (x *MemoryIndex) Attributes(ctx context.Context) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	attrs := make([]string, 0, len(x.attrUsers))
	for attr := range x.attrUsers {
		attrs = append(attrs, attr)
	}
	slices.Sort(attrs)
	return attrs, nil
}

// Users lists every user holding at least one attribute.
func (x *MemoryIndex) Users(ctx context.Context) ([]interfaces.UserID, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	users := make([]interfaces.UserID, 0, len(x.userAttrs))
	for user := range x.userAttrs {
		users = append(users, user)
	}
	slices.Sort(users)
	return users, nil
}

// Close is a no-op.
func (x *MemoryIndex) Close() error {
	return nil
}
