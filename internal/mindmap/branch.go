// Package mindmap holds the branch-local view of a mind-map document: which
// {nodes, edges} pair a named branch sees, and the branch lifecycle rules.
package mindmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"ejunz/api/internal/store"
)

// MainBranch is the implicit default branch of every document.
const MainBranch = "main"

var (
	ErrBranchNotFound  = errors.New("branch not found")
	ErrBranchExists    = errors.New("branch already exists")
	ErrProtectedBranch = errors.New("branch cannot be deleted")
	ErrInvalidName     = errors.New("invalid branch name")
)

// Data returns the {nodes, edges} pair a branch sees.
//
// Legacy documents store their main-branch data in the root-level Nodes/Edges
// pair instead of the Branches map; "main" falls back to it so those
// documents keep working unchanged.
func Data(doc *store.MindMap, branch string) (store.BranchData, error) {
	if branch == "" {
		branch = MainBranch
	}
	if data, ok := doc.Branches[branch]; ok {
		return cloneData(data), nil
	}
	if branch == MainBranch {
		return cloneData(store.BranchData{Nodes: doc.Nodes, Edges: doc.Edges}), nil
	}
	return store.BranchData{}, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
}

// SetData replaces a branch's {nodes, edges} pair. Writes to "main" are
// mirrored to the root-level pair for legacy readers.
func SetData(doc *store.MindMap, branch string, data store.BranchData) error {
	if branch == "" {
		branch = MainBranch
	}
	if _, ok := doc.Branches[branch]; !ok && branch != MainBranch {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if doc.Branches == nil {
		doc.Branches = make(map[string]store.BranchData)
	}
	doc.Branches[branch] = cloneData(data)
	if branch == MainBranch {
		doc.Nodes = cloneData(data).Nodes
		doc.Edges = cloneData(data).Edges
	}
	return nil
}

// Create adds a new branch whose data is copied from an existing one.
func Create(doc *store.MindMap, name, from string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if Exists(doc, name) {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	source, err := Data(doc, from)
	if err != nil {
		return err
	}
	if doc.Branches == nil {
		doc.Branches = make(map[string]store.BranchData)
	}
	doc.Branches[name] = source
	return nil
}

// Delete removes a branch. "main" and the active branch are protected.
func Delete(doc *store.MindMap, name string) error {
	if name == MainBranch {
		return fmt.Errorf("%w: %s", ErrProtectedBranch, name)
	}
	if name == doc.ActiveBranch {
		return fmt.Errorf("%w: %s is the active branch", ErrProtectedBranch, name)
	}
	if _, ok := doc.Branches[name]; !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	delete(doc.Branches, name)
	return nil
}

// Exists reports whether a branch is readable on the document.
func Exists(doc *store.MindMap, name string) bool {
	if name == MainBranch {
		return true
	}
	_, ok := doc.Branches[name]
	return ok
}

// List returns all branch names sorted, with "main" always present and first.
func List(doc *store.MindMap) []string {
	names := make([]string, 0, len(doc.Branches)+1)
	for name := range doc.Branches {
		if name != MainBranch {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{MainBranch}, names...)
}

// ValidateName rejects names git refs or the filesystem cannot carry.
func ValidateName(name string) error {
	if name == "" || len(name) > 100 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/' || r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Children returns the child nodes of a parent in deterministic order
// (by label, then ID).
func Children(data store.BranchData, parentID string) []store.Node {
	byID := make(map[string]store.Node, len(data.Nodes))
	for _, node := range data.Nodes {
		byID[node.ID] = node
	}
	children := make([]store.Node, 0)
	for _, edge := range data.Edges {
		if edge.Source != parentID {
			continue
		}
		if child, ok := byID[edge.Target]; ok {
			children = append(children, child)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].Label != children[j].Label {
			return children[i].Label < children[j].Label
		}
		return children[i].ID < children[j].ID
	})
	return children
}

// CardsForNode returns the cards attached to a node sorted by title.
func CardsForNode(doc *store.MindMap, nodeID string) []store.Card {
	cards := make([]store.Card, 0)
	for _, card := range doc.Cards {
		if card.NodeID == nodeID {
			cards = append(cards, card)
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Title < cards[j].Title })
	return cards
}

func cloneData(data store.BranchData) store.BranchData {
	out := store.BranchData{
		Nodes: make([]store.Node, len(data.Nodes)),
		Edges: make([]store.Edge, len(data.Edges)),
	}
	copy(out.Nodes, data.Nodes)
	copy(out.Edges, data.Edges)
	return out
}
