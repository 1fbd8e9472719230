// Package manifest decides which local files belong to a snapshot.
//
// Counting and mirroring both read directories through List, so the two passes
// apply the same exclusion predicate and agree on what a file is.
package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Policy is the exclusion predicate over single path segments.
type Policy struct {
	names map[string]struct{}
}

// NewPolicy builds a policy from configured entry names.
func NewPolicy(names []string) Policy {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return Policy{names: set}
}

// IsExcluded reports whether an entry with this base name is pruned.
// Matching is exact and case-sensitive.
func (p Policy) IsExcluded(name string) bool {
	_, ok := p.names[name]
	return ok
}

// Listing is the partitioned, already-filtered content of one directory.
type Listing struct {
	Dirs  []fs.DirEntry
	Files []fs.DirEntry
}

// List reads dir and drops excluded entries. Symlinks and special files are
// neither files nor directories here and are skipped.
func List(dir string, policy Policy) (Listing, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Listing{}, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var l Listing
	for _, e := range entries {
		if policy.IsExcluded(e.Name()) {
			continue
		}
		switch {
		case e.IsDir():
			l.Dirs = append(l.Dirs, e)
		case e.Type().IsRegular():
			l.Files = append(l.Files, e)
		}
	}
	return l, nil
}

// CountFiles returns the number of files under root that a mirror would upload.
// root itself is never matched against the policy.
func CountFiles(root string, policy Policy) (int, error) {
	count := 0
	stack := []string{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		l, err := List(dir, policy)
		if err != nil {
			return 0, err
		}
		count += len(l.Files)
		for _, d := range l.Dirs {
			stack = append(stack, filepath.Join(dir, d.Name()))
		}
	}
	return count, nil
}

// CountAll sums CountFiles over every source root.
func CountAll(roots []string, policy Policy) (int, error) {
	total := 0
	for _, root := range roots {
		n, err := CountFiles(root, policy)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
