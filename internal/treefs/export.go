// Package treefs materializes a mind-map branch as a directory tree (nodes
// become directories, cards become markdown files) and reconstructs the graph
// from such a tree, diffing card content against the database on the way in.
package treefs

import (
	"fmt"
	"os"
	"path/filepath"

	"ejunz/api/internal/mindmap"
	"ejunz/api/internal/store"
)

const cardExtension = ".md"

// Export writes the branch's node/edge graph under dir. Existing entries are
// pruned first (the .git directory is left alone), so the result is exactly
// the exported tree: one directory per node, one markdown file per card.
// Output is deterministic for identical branch data.
func Export(dir string, doc *store.MindMap, data store.BranchData) error {
	if err := pruneDir(dir); err != nil {
		return err
	}
	visited := map[string]struct{}{doc.RootID: {}}
	if err := exportCards(dir, doc, doc.RootID); err != nil {
		return err
	}
	return exportChildren(dir, doc, data, doc.RootID, visited)
}

func exportChildren(dir string, doc *store.MindMap, data store.BranchData, parentID string, visited map[string]struct{}) error {
	taken := make(map[string]struct{})
	for _, child := range mindmap.Children(data, parentID) {
		if _, seen := visited[child.ID]; seen {
			// a cycle in the edge list; tree export stops at the repeat
			continue
		}
		visited[child.ID] = struct{}{}

		name := uniqueName(SanitizeName(child.Label), taken)
		childDir := filepath.Join(dir, name)
		if err := os.MkdirAll(childDir, 0o755); err != nil {
			return fmt.Errorf("create node dir %s: %w", name, err)
		}
		if err := exportCards(childDir, doc, child.ID); err != nil {
			return err
		}
		if err := exportChildren(childDir, doc, data, child.ID, visited); err != nil {
			return err
		}
	}
	return nil
}

func exportCards(dir string, doc *store.MindMap, nodeID string) error {
	taken := make(map[string]struct{})
	for _, card := range mindmap.CardsForNode(doc, nodeID) {
		name := uniqueName(SanitizeName(card.Title), taken) + cardExtension
		content := card.Content
		if content != "" && content[len(content)-1] != '\n' {
			content += "\n"
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write card %s: %w", name, err)
		}
	}
	return nil
}

// pruneDir removes every entry of dir except the .git directory, creating
// dir when missing.
func pruneDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return fmt.Errorf("read export dir: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == gitDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("prune %s: %w", entry.Name(), err)
		}
	}
	return nil
}
