package shared

import (
	"context"
	"fmt"
)

// ParentLookup returns the parent id of node, or nil for a root.
type ParentLookup func(ctx context.Context, id int64) (*int64, error)

// EnsureAcyclic walks up from parentID and fails with ErrCycle when childID is
// reached, i.e. when the proposed parent is the node itself or one of its
// descendants.
func EnsureAcyclic(ctx context.Context, childID, parentID int64, parentOf ParentLookup) error {
	seen := make(map[int64]struct{})
	current := parentID
	for {
		if current == childID {
			return fmt.Errorf("%w: %d is a descendant of %d", ErrCycle, parentID, childID)
		}
		if _, ok := seen[current]; ok {
			return fmt.Errorf("%w: existing loop at %d", ErrCycle, current)
		}
		seen[current] = struct{}{}
		next, err := parentOf(ctx, current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		current = *next
	}
}
