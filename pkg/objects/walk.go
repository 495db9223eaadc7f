package objects

import (
	"context"
)

// Walk computes the set of objects reachable from wants but not from haves.
//
// Traversal is breadth-first with an explicit work queue and a visited set,
// so arbitrarily deep histories do not grow the stack. The closure of haves
// is marked first and prunes the want traversal. Objects referenced by a
// have but absent from the store are tolerated (the remote may know more
// than we do); an absent want is an error.
//
// Duplicate wants are deduplicated. The result preserves BFS discovery
// order, commits before the trees and blobs they reference.
func Walk(ctx context.Context, s Store, wants, haves []Key) ([]Key, error) {
	reachable := make(map[Key]struct{})

	// mark everything reachable from the haves
	queue := make([]Key, 0, len(haves))
	queue = append(queue, haves...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k := queue[0]
		queue = queue[1:]
		if _, seen := reachable[k]; seen {
			continue
		}

		obj, err := s.Get(ctx, k)
		if err != nil {
			if errIs(err, ErrObjectMissing) {
				continue
			}
			return nil, err
		}
		reachable[k] = struct{}{}

		refs, err := References(obj)
		if err != nil {
			return nil, err
		}
		queue = append(queue, refs...)
	}

	// collect everything reachable from the wants, pruned by the have closure
	var result []Key
	visited := make(map[Key]struct{})
	queue = queue[:0]
	queue = append(queue, wants...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k := queue[0]
		queue = queue[1:]
		if _, seen := visited[k]; seen {
			continue
		}
		visited[k] = struct{}{}
		if _, have := reachable[k]; have {
			continue
		}

		obj, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		result = append(result, k)

		refs, err := References(obj)
		if err != nil {
			return nil, err
		}
		queue = append(queue, refs...)
	}
	return result, nil
}
