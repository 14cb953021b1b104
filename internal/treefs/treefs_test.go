package treefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"ejunz/api/internal/store"
)

func sampleDoc() (store.MindMap, store.BranchData) {
	doc := store.MindMap{
		DomainID: "system",
		DocID:    "doc-1",
		Title:    "Roadmap",
		RootID:   "root",
		Cards: []store.Card{
			{ID: "c1", NodeID: "root", Title: "Overview", Content: "The big picture"},
			{ID: "c2", NodeID: "backend", Title: "API sketch", Content: "REST first"},
		},
	}
	data := store.BranchData{
		Nodes: []store.Node{
			{ID: "root", Label: "Roadmap"},
			{ID: "backend", Label: "Backend"},
			{ID: "frontend", Label: "Frontend"},
			{ID: "db", Label: "Database"},
		},
		Edges: []store.Edge{
			{ID: "e1", Source: "root", Target: "backend"},
			{ID: "e2", Source: "root", Target: "frontend"},
			{ID: "e3", Source: "backend", Target: "db"},
		},
	}
	return doc, data
}

func idSequence() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func listTree(t *testing.T, dir string) []string {
	t.Helper()
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if rel == "." || rel == ".git" {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	sort.Strings(paths)
	return paths
}

func TestExportWritesDirsAndCards(t *testing.T) {
	dir := t.TempDir()
	doc, data := sampleDoc()

	if err := Export(dir, &doc, data); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	want := []string{
		"Backend",
		"Backend/API sketch.md",
		"Backend/Database",
		"Frontend",
		"Overview.md",
	}
	if got := listTree(t, dir); !equalStrings(got, want) {
		t.Fatalf("tree = %v, want %v", got, want)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "Overview.md"))
	if err != nil {
		t.Fatalf("read card: %v", err)
	}
	if string(raw) != "The big picture\n" {
		t.Fatalf("card content = %q", raw)
	}
}

func TestExportPrunesStaleEntriesButKeepsGitDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.md"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, data := sampleDoc()
	if err := Export(dir, &doc, data); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.md")); !os.IsNotExist(err) {
		t.Fatal("stale entry should be pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, ".git", "HEAD")); err != nil {
		t.Fatalf(".git must survive export: %v", err)
	}
}

func TestExportDisambiguatesDuplicateLabels(t *testing.T) {
	dir := t.TempDir()
	doc := store.MindMap{DocID: "doc-1", Title: "Root", RootID: "root"}
	data := store.BranchData{
		Nodes: []store.Node{
			{ID: "root", Label: "Root"},
			{ID: "a", Label: "Topic"},
			{ID: "b", Label: "Topic"},
		},
		Edges: []store.Edge{
			{ID: "e1", Source: "root", Target: "a"},
			{ID: "e2", Source: "root", Target: "b"},
		},
	}
	if err := Export(dir, &doc, data); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	want := []string{"Topic", "Topic-2"}
	if got := listTree(t, dir); !equalStrings(got, want) {
		t.Fatalf("tree = %v, want %v", got, want)
	}
}

func TestExportStopsOnCycles(t *testing.T) {
	dir := t.TempDir()
	doc := store.MindMap{DocID: "doc-1", Title: "Root", RootID: "root"}
	data := store.BranchData{
		Nodes: []store.Node{
			{ID: "root", Label: "Root"},
			{ID: "a", Label: "A"},
			{ID: "b", Label: "B"},
		},
		Edges: []store.Edge{
			{ID: "e1", Source: "root", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
			{ID: "e3", Source: "b", Target: "a"},
		},
	}
	if err := Export(dir, &doc, data); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	want := []string{"A", "A/B"}
	if got := listTree(t, dir); !equalStrings(got, want) {
		t.Fatalf("tree = %v, want %v", got, want)
	}
}

func TestRoundTripProducesEmptyPlan(t *testing.T) {
	dir := t.TempDir()
	doc, data := sampleDoc()

	if err := Export(dir, &doc, data); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	tree, err := BuildTree(dir)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}

	next, plan := Reconcile(&doc, data, tree, idSequence())
	if !plan.Empty() {
		t.Fatalf("round-trip plan should be empty, got %+v", plan)
	}
	if len(next.Nodes) != len(data.Nodes) || len(next.Edges) != len(data.Edges) {
		t.Fatalf("graph shape changed: %d nodes %d edges", len(next.Nodes), len(next.Edges))
	}
	// node IDs survive because labels match under the same parent
	ids := map[string]bool{}
	for _, node := range next.Nodes {
		ids[node.ID] = true
	}
	for _, want := range []string{"root", "backend", "frontend", "db"} {
		if !ids[want] {
			t.Fatalf("node ID %s not preserved, got %v", want, next.Nodes)
		}
	}
}

func TestReconcileDetectsNewNodeAndCard(t *testing.T) {
	dir := t.TempDir()
	doc, data := sampleDoc()
	if err := Export(dir, &doc, data); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	// a collaborator adds a directory with a note inside
	if err := os.MkdirAll(filepath.Join(dir, "Ops"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Ops", "Runbook.md"), []byte("restart the pods\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tree, err := BuildTree(dir)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	next, plan := Reconcile(&doc, data, tree, idSequence())

	if len(next.Nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d", len(next.Nodes))
	}
	if len(plan.Create) != 1 || len(plan.Update) != 0 || len(plan.Delete) != 0 {
		t.Fatalf("plan = %+v", plan)
	}
	created := plan.Create[0]
	if created.Title != "Runbook" || created.Content != "restart the pods" {
		t.Fatalf("created card = %+v", created)
	}
	// the card hangs off the new Ops node
	var opsID string
	for _, node := range next.Nodes {
		if node.Label == "Ops" {
			opsID = node.ID
		}
	}
	if opsID == "" || created.NodeID != opsID {
		t.Fatalf("card node = %q, ops node = %q", created.NodeID, opsID)
	}
}

func TestReconcileDetectsEditsAndDeletes(t *testing.T) {
	dir := t.TempDir()
	doc, data := sampleDoc()
	if err := Export(dir, &doc, data); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "Overview.md"), []byte("Rewritten\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "Backend", "API sketch.md")); err != nil {
		t.Fatal(err)
	}

	tree, err := BuildTree(dir)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	_, plan := Reconcile(&doc, data, tree, idSequence())

	if len(plan.Update) != 1 || plan.Update[0].ID != "c1" || plan.Update[0].Content != "Rewritten" {
		t.Fatalf("update plan = %+v", plan.Update)
	}
	if len(plan.Delete) != 1 || plan.Delete[0] != "c2" {
		t.Fatalf("delete plan = %+v", plan.Delete)
	}

	ApplyPlan(&doc, plan)
	if len(doc.Cards) != 1 || doc.Cards[0].Content != "Rewritten" {
		t.Fatalf("cards after apply = %+v", doc.Cards)
	}
}

func TestReconcileMovesCardBetweenNodes(t *testing.T) {
	dir := t.TempDir()
	doc, data := sampleDoc()
	if err := Export(dir, &doc, data); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	// move the backend card into the frontend directory
	if err := os.Remove(filepath.Join(dir, "Backend", "API sketch.md")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Frontend", "API sketch.md"), []byte("REST first\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tree, err := BuildTree(dir)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	_, plan := Reconcile(&doc, data, tree, idSequence())

	if len(plan.Update) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Update[0].NodeID != "frontend" {
		t.Fatalf("moved card node = %q, want frontend", plan.Update[0].NodeID)
	}
}

func TestBuildTreeIgnoresDotfilesAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		".hidden.md":  "nope",
		"notes.txt":   "nope",
		"Real.md":     "yes\n",
		"picture.png": "nope",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tree, err := BuildTree(dir)
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	if len(tree.Cards) != 1 || tree.Cards[0].Title != "Real" {
		t.Fatalf("cards = %+v", tree.Cards)
	}
	if len(tree.Children) != 0 {
		t.Fatalf("children = %+v", tree.Children)
	}
}

func TestHashContentIgnoresSingleTrailingNewline(t *testing.T) {
	if HashContent("abc") != HashContent("abc\n") {
		t.Fatal("one trailing newline must not change the hash")
	}
	if HashContent("abc") == HashContent("abc\n\n") {
		t.Fatal("only one trailing newline is ignored")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
