package treefs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ejunz/api/internal/mindmap"
	"ejunz/api/internal/store"
)

const gitDirName = ".git"

// TreeCard is a markdown file found during a directory walk.
type TreeCard struct {
	Title   string
	Content string
	Hash    string
}

// TreeNode is a directory found during a walk; its markdown files are the
// node's cards and its subdirectories its children.
type TreeNode struct {
	Label    string
	Cards    []TreeCard
	Children []*TreeNode
}

// Plan is the card reconciliation computed before an import is applied.
type Plan struct {
	Create []store.Card `json:"create"`
	Update []store.Card `json:"update"`
	Delete []string     `json:"delete"` // card IDs
}

// Empty reports whether applying the plan would change nothing.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// BuildTree walks dir and reconstructs the node/card tree. Dotfiles and the
// .git directory are ignored; non-markdown files are skipped.
func BuildTree(dir string) (*TreeNode, error) {
	root := &TreeNode{}
	if err := buildInto(dir, root); err != nil {
		return nil, err
	}
	return root, nil
}

func buildInto(dir string, node *TreeNode) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			child := &TreeNode{Label: name}
			if err := buildInto(filepath.Join(dir, name), child); err != nil {
				return err
			}
			node.Children = append(node.Children, child)
			continue
		}
		if !strings.HasSuffix(name, cardExtension) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read card %s: %w", name, err)
		}
		content := string(raw)
		node.Cards = append(node.Cards, TreeCard{
			Title:   strings.TrimSuffix(name, cardExtension),
			Content: content,
			Hash:    HashContent(content),
		})
	}
	return nil
}

// Reconcile merges a walked tree back into the document: directory structure
// becomes the branch's nodes/edges (existing node IDs are kept when a child
// with the same label already exists under the same parent), and markdown
// files are diffed against the document's cards by title. The returned Plan
// says which cards an Apply would create, update, or delete; unchanged
// content (hash-equal) is a no-op.
func Reconcile(doc *store.MindMap, data store.BranchData, tree *TreeNode, newID func() string) (store.BranchData, Plan) {
	next := store.BranchData{}

	// keep the root node as-is when present
	for _, node := range data.Nodes {
		if node.ID == doc.RootID {
			next.Nodes = append(next.Nodes, node)
			break
		}
	}
	if len(next.Nodes) == 0 {
		next.Nodes = append(next.Nodes, store.Node{ID: doc.RootID, Label: doc.Title})
	}

	cardNodes := map[string]string{} // card title -> node ID
	reconcileNodes(doc.RootID, tree, data, &next, cardNodes, newID)

	plan := diffCards(doc, tree, cardNodes, newID)
	return next, plan
}

func reconcileNodes(parentID string, node *TreeNode, old store.BranchData, next *store.BranchData, cardNodes map[string]string, newID func() string) {
	for _, card := range node.Cards {
		cardNodes[card.Title] = parentID
	}

	existing := mindmap.Children(old, parentID)
	byLabel := make(map[string]store.Node, len(existing))
	for _, child := range existing {
		if _, taken := byLabel[child.Label]; !taken {
			byLabel[child.Label] = child
		}
	}

	for _, child := range node.Children {
		id := newID()
		if match, ok := byLabel[child.Label]; ok {
			id = match.ID
			delete(byLabel, child.Label)
		}
		next.Nodes = append(next.Nodes, store.Node{ID: id, Label: child.Label})
		next.Edges = append(next.Edges, store.Edge{ID: edgeID(old, parentID, id, newID), Source: parentID, Target: id})
		reconcileNodes(id, child, old, next, cardNodes, newID)
	}
}

// edgeID reuses the old edge's ID when the same parent-child link already
// existed, so an unchanged tree reconciles to unchanged data.
func edgeID(old store.BranchData, source, target string, newID func() string) string {
	for _, edge := range old.Edges {
		if edge.Source == source && edge.Target == target {
			return edge.ID
		}
	}
	return newID()
}

func diffCards(doc *store.MindMap, tree *TreeNode, cardNodes map[string]string, newID func() string) Plan {
	treeCards := map[string]TreeCard{}
	collectCards(tree, treeCards)

	existing := map[string]store.Card{}
	for _, card := range doc.Cards {
		existing[card.Title] = card
	}

	var plan Plan
	titles := make([]string, 0, len(treeCards))
	for title := range treeCards {
		titles = append(titles, title)
	}
	sort.Strings(titles)

	now := time.Now().UTC()
	for _, title := range titles {
		found := treeCards[title]
		nodeID := cardNodes[title]
		current, ok := existing[title]
		if !ok {
			plan.Create = append(plan.Create, store.Card{
				ID:        newID(),
				NodeID:    nodeID,
				Title:     title,
				Content:   strings.TrimSuffix(found.Content, "\n"),
				UpdatedAt: now,
			})
			continue
		}
		if HashContent(current.Content) != found.Hash || current.NodeID != nodeID {
			current.Content = strings.TrimSuffix(found.Content, "\n")
			current.NodeID = nodeID
			current.UpdatedAt = now
			plan.Update = append(plan.Update, current)
		}
	}

	deletions := make([]store.Card, 0)
	for title, card := range existing {
		if _, kept := treeCards[title]; !kept {
			deletions = append(deletions, card)
		}
	}
	sort.Slice(deletions, func(i, j int) bool { return deletions[i].Title < deletions[j].Title })
	for _, card := range deletions {
		plan.Delete = append(plan.Delete, card.ID)
	}
	return plan
}

func collectCards(node *TreeNode, out map[string]TreeCard) {
	for _, card := range node.Cards {
		if _, taken := out[card.Title]; !taken {
			out[card.Title] = card
		}
	}
	for _, child := range node.Children {
		collectCards(child, out)
	}
}

// ApplyPlan mutates the document's card list according to a plan.
func ApplyPlan(doc *store.MindMap, plan Plan) {
	deleted := make(map[string]struct{}, len(plan.Delete))
	for _, id := range plan.Delete {
		deleted[id] = struct{}{}
	}
	updated := make(map[string]store.Card, len(plan.Update))
	for _, card := range plan.Update {
		updated[card.ID] = card
	}

	next := make([]store.Card, 0, len(doc.Cards)+len(plan.Create))
	for _, card := range doc.Cards {
		if _, gone := deleted[card.ID]; gone {
			continue
		}
		if repl, ok := updated[card.ID]; ok {
			card = repl
		}
		next = append(next, card)
	}
	next = append(next, plan.Create...)
	sort.Slice(next, func(i, j int) bool { return next[i].Title < next[j].Title })
	doc.Cards = next
}

// HashContent hashes card content ignoring a single trailing newline, so a
// file written by the exporter (which newline-terminates) compares equal to
// the database content it came from.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSuffix(content, "\n")))
	return hex.EncodeToString(sum[:])
}
