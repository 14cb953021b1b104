package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ejunz/api/internal/config"
	"ejunz/api/internal/events"
	"ejunz/api/internal/gitsync"
	"ejunz/api/internal/mindmap"
	"ejunz/api/internal/search"
	"ejunz/api/internal/store"
)

// memStore is an in-memory dataStore with the same rev semantics as the
// Mongo implementation.
type memStore struct {
	mu          sync.Mutex
	docs        map[string]store.MindMap
	attachments []store.Attachment
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]store.MindMap)}
}

func memKey(domainID, docID string) string { return domainID + "/" + docID }

func (m *memStore) ListMindMaps(ctx context.Context, domainID string) ([]store.MindMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.MindMap, 0)
	for _, doc := range m.docs {
		if doc.DomainID == domainID {
			items = append(items, doc)
		}
	}
	return items, nil
}

func (m *memStore) GetMindMap(ctx context.Context, domainID, docID string) (store.MindMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[memKey(domainID, docID)]
	if !ok {
		return store.MindMap{}, store.ErrNotFound
	}
	return doc, nil
}

func (m *memStore) InsertMindMap(ctx context.Context, doc store.MindMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Rev = 1
	doc.CreatedAt = time.Now().UTC()
	doc.UpdatedAt = doc.CreatedAt
	m.docs[memKey(doc.DomainID, doc.DocID)] = doc
	return nil
}

func (m *memStore) ReplaceMindMap(ctx context.Context, doc store.MindMap) (store.MindMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.docs[memKey(doc.DomainID, doc.DocID)]
	if !ok {
		return store.MindMap{}, store.ErrNotFound
	}
	if current.Rev != doc.Rev {
		return store.MindMap{}, store.ErrRevConflict
	}
	doc.Rev++
	doc.UpdatedAt = time.Now().UTC()
	m.docs[memKey(doc.DomainID, doc.DocID)] = doc
	return doc, nil
}

func (m *memStore) UpdateSyncState(ctx context.Context, domainID, docID string, sync store.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[memKey(domainID, docID)]
	if !ok {
		return store.ErrNotFound
	}
	doc.Sync = sync
	m.docs[memKey(domainID, docID)] = doc
	return nil
}

func (m *memStore) SaveRemote(ctx context.Context, domainID, docID string, remote store.RemoteConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[memKey(domainID, docID)]
	if !ok {
		return store.ErrNotFound
	}
	doc.Remote = &remote
	m.docs[memKey(domainID, docID)] = doc
	return nil
}

func (m *memStore) InsertAttachment(ctx context.Context, att store.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments = append(m.attachments, att)
	return nil
}

func (m *memStore) ListAttachments(ctx context.Context, domainID, docID, cardID string) ([]store.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Attachment, 0)
	for _, att := range m.attachments {
		if att.DomainID == domainID && att.DocID == docID && att.CardID == cardID {
			items = append(items, att)
		}
	}
	return items, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

type fakeHub struct {
	mu     sync.Mutex
	events []events.Event
}

func (h *fakeHub) Broadcast(event events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *fakeHub) byType(eventType string) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	matched := make([]events.Event, 0)
	for _, event := range h.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.CardRecord
	deleted []string
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	return []search.Result{}, nil
}

func (f *fakeSearch) IndexCards(records []search.CardRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
}

func (f *fakeSearch) DeleteCards(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
}

func testService(t *testing.T) (*Service, *memStore, *fakeHub, *fakeSearch) {
	t.Helper()
	cfg := config.Config{SyncToken: "test-token", RemoteTimeout: 5 * time.Second}
	st := newMemStore()
	hub := &fakeHub{}
	idx := &fakeSearch{}
	svc := New(cfg, Options{
		Store:  st,
		Git:    gitsync.New(t.TempDir()),
		Search: idx,
		Hub:    hub,
	})
	return svc, st, hub, idx
}

func createDoc(t *testing.T, svc *Service) string {
	t.Helper()
	payload, err := svc.CreateDocument(context.Background(), "system", "Roadmap", "Avery")
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	docID, _ := payload["docId"].(string)
	if docID == "" {
		t.Fatalf("no docId in %+v", payload)
	}
	return docID
}

func TestCreateDocumentSeedsRootNodeAndRepo(t *testing.T) {
	svc, st, _, _ := testService(t)
	docID := createDoc(t, svc)

	doc, err := st.GetMindMap(context.Background(), "system", docID)
	if err != nil {
		t.Fatalf("GetMindMap() error = %v", err)
	}
	if doc.Rev != 1 || doc.ActiveBranch != mindmap.MainBranch {
		t.Fatalf("doc = %+v", doc)
	}
	if len(doc.Nodes) != 1 || doc.Nodes[0].ID != doc.RootID || doc.Nodes[0].Label != "Roadmap" {
		t.Fatalf("root node = %+v", doc.Nodes)
	}

	if _, err := svc.CreateDocument(context.Background(), "system", "  ", "Avery"); err == nil {
		t.Fatal("blank title must be rejected")
	}
}

func TestBranchLifecycleThroughService(t *testing.T) {
	svc, _, hub, _ := testService(t)
	ctx := context.Background()
	docID := createDoc(t, svc)

	if _, err := svc.CreateBranch(ctx, "system", docID, "draft", "", "Avery"); err != nil {
		t.Fatalf("CreateBranch() error = %v", err)
	}
	if _, err := svc.CreateBranch(ctx, "system", docID, "draft", "", "Avery"); !errors.Is(err, mindmap.ErrBranchExists) {
		t.Fatalf("expected ErrBranchExists, got %v", err)
	}
	if _, err := svc.CreateBranch(ctx, "system", docID, "bad name", "", "Avery"); !errors.Is(err, mindmap.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}

	payload, err := svc.SwitchBranch(ctx, "system", docID, "draft", "Avery")
	if err != nil {
		t.Fatalf("SwitchBranch() error = %v", err)
	}
	if payload["activeBranch"] != "draft" {
		t.Fatalf("payload = %+v", payload)
	}

	// the active branch cannot be deleted
	if err := svc.DeleteBranch(ctx, "system", docID, "draft", "Avery"); !errors.Is(err, mindmap.ErrProtectedBranch) {
		t.Fatalf("expected ErrProtectedBranch, got %v", err)
	}
	if _, err := svc.SwitchBranch(ctx, "system", docID, mindmap.MainBranch, "Avery"); err != nil {
		t.Fatalf("SwitchBranch(main) error = %v", err)
	}
	if err := svc.DeleteBranch(ctx, "system", docID, "draft", "Avery"); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}

	branchEvents := hub.byType(events.TypeBranch)
	if len(branchEvents) < 3 {
		t.Fatalf("expected branch events, got %d", len(branchEvents))
	}
}

func TestExportThenImportIsNoOp(t *testing.T) {
	svc, st, hub, _ := testService(t)
	ctx := context.Background()
	docID := createDoc(t, svc)

	doc, _ := st.GetMindMap(ctx, "system", docID)
	data := store.BranchData{
		Nodes: []store.Node{
			{ID: doc.RootID, Label: "Roadmap"},
			{ID: "backend", Label: "Backend"},
		},
		Edges: []store.Edge{{ID: "e1", Source: doc.RootID, Target: "backend"}},
	}
	if _, err := svc.SaveData(ctx, "system", docID, "", data, "Avery"); err != nil {
		t.Fatalf("SaveData() error = %v", err)
	}
	card := store.Card{NodeID: "backend", Title: "API sketch", Content: "REST first"}
	if _, err := svc.SaveCard(ctx, "system", docID, card, "Avery"); err != nil {
		t.Fatalf("SaveCard() error = %v", err)
	}

	exported, err := svc.Export(ctx, "system", docID, "", "", false, "Avery")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if exported["pushed"] != false {
		t.Fatalf("export payload = %+v", exported)
	}

	doc, _ = st.GetMindMap(ctx, "system", docID)
	if doc.Sync.ExportedRev != doc.Rev || doc.Sync.LastCommit == "" {
		t.Fatalf("sync state = %+v at rev %d", doc.Sync, doc.Rev)
	}

	status, err := svc.Status(ctx, "system", docID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status["dirty"] != false {
		t.Fatalf("status = %+v", status)
	}

	imported, err := svc.Import(ctx, "system", docID, "", false, "Avery")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if imported["changed"] != false {
		t.Fatalf("unchanged tree reported changed: %+v", imported)
	}

	if len(hub.byType(events.TypeExport)) != 1 || len(hub.byType(events.TypeImport)) != 1 {
		t.Fatalf("events = %+v", hub.events)
	}
	commits := hub.byType(events.TypeCommit)
	if len(commits) != 1 || commits[0].Payload["commit"] == "" {
		t.Fatalf("commit events = %+v", commits)
	}
	if len(hub.byType(events.TypeStatus)) != 1 {
		t.Fatalf("status events = %+v", hub.events)
	}
}

func TestImportPicksUpWorktreeEdits(t *testing.T) {
	svc, st, _, idx := testService(t)
	ctx := context.Background()
	docID := createDoc(t, svc)

	card := store.Card{Title: "Notes", Content: "original"}
	doc, _ := st.GetMindMap(ctx, "system", docID)
	card.NodeID = doc.RootID
	if _, err := svc.SaveCard(ctx, "system", docID, card, "Avery"); err != nil {
		t.Fatalf("SaveCard() error = %v", err)
	}
	if _, err := svc.Export(ctx, "system", docID, "", "", false, "Avery"); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	// edit the exported file and add a new one, as an external tool would
	worktree := svc.git.WorktreePath("system", docID)
	if err := os.WriteFile(filepath.Join(worktree, "Notes.md"), []byte("edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(worktree, "Fresh.md"), []byte("brand new\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	imported, err := svc.Import(ctx, "system", docID, "", false, "Avery")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if imported["changed"] != true {
		t.Fatalf("payload = %+v", imported)
	}

	doc, _ = st.GetMindMap(ctx, "system", docID)
	byTitle := map[string]store.Card{}
	for _, c := range doc.Cards {
		byTitle[c.Title] = c
	}
	if byTitle["Notes"].Content != "edited" {
		t.Fatalf("cards = %+v", doc.Cards)
	}
	if _, ok := byTitle["Fresh"]; !ok {
		t.Fatalf("new card missing: %+v", doc.Cards)
	}

	idx.mu.Lock()
	indexed := len(idx.indexed)
	idx.mu.Unlock()
	if indexed == 0 {
		t.Fatal("imported cards should be indexed")
	}
}

func TestStaleRevisionWriteConflicts(t *testing.T) {
	svc, st, _, _ := testService(t)
	ctx := context.Background()
	docID := createDoc(t, svc)

	stale, _ := st.GetMindMap(ctx, "system", docID)
	if _, err := st.ReplaceMindMap(ctx, stale); err != nil {
		t.Fatalf("ReplaceMindMap() error = %v", err)
	}
	// a second write with the same revision lost the race
	if _, err := st.ReplaceMindMap(ctx, stale); !errors.Is(err, store.ErrRevConflict) {
		t.Fatalf("expected ErrRevConflict, got %v", err)
	}
}

func TestSetRemoteHidesToken(t *testing.T) {
	svc, st, _, _ := testService(t)
	ctx := context.Background()
	docID := createDoc(t, svc)

	payload, err := svc.SetRemote(ctx, "system", docID, "https://example.com/repo.git", "pat-secret")
	if err != nil {
		t.Fatalf("SetRemote() error = %v", err)
	}
	if payload["hasToken"] != true {
		t.Fatalf("payload = %+v", payload)
	}
	if _, ok := payload["token"]; ok {
		t.Fatal("token must never appear in responses")
	}

	doc, _ := st.GetMindMap(ctx, "system", docID)
	if doc.Remote == nil || doc.Remote.Token != "pat-secret" {
		t.Fatalf("remote = %+v", doc.Remote)
	}

	if _, err := svc.SetRemote(ctx, "system", docID, "  ", "x"); err == nil {
		t.Fatal("blank url must be rejected")
	}
}

func TestExportPushWithoutRemoteFails(t *testing.T) {
	svc, _, _, _ := testService(t)
	ctx := context.Background()
	docID := createDoc(t, svc)

	_, err := svc.Export(ctx, "system", docID, "", "", true, "Avery")
	if !errors.Is(err, gitsync.ErrNoRemote) {
		t.Fatalf("expected ErrNoRemote, got %v", err)
	}
}

func TestCardCRUD(t *testing.T) {
	svc, _, _, idx := testService(t)
	ctx := context.Background()
	docID := createDoc(t, svc)

	saved, err := svc.SaveCard(ctx, "system", docID, store.Card{Title: "Todo", Content: "x"}, "Avery")
	if err != nil {
		t.Fatalf("SaveCard() error = %v", err)
	}
	if saved.ID == "" || saved.UpdatedBy != "Avery" {
		t.Fatalf("saved = %+v", saved)
	}

	saved.Content = "y"
	if _, err := svc.SaveCard(ctx, "system", docID, saved, "Briar"); err != nil {
		t.Fatalf("SaveCard() update error = %v", err)
	}

	if _, err := svc.SaveCard(ctx, "system", docID, store.Card{ID: "missing", Title: "z"}, "Avery"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.SaveCard(ctx, "system", docID, store.Card{Title: " "}, "Avery"); err == nil {
		t.Fatal("blank title must be rejected")
	}

	if err := svc.DeleteCard(ctx, "system", docID, saved.ID, "Avery"); err != nil {
		t.Fatalf("DeleteCard() error = %v", err)
	}
	if err := svc.DeleteCard(ctx, "system", docID, saved.ID, "Avery"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on repeat delete, got %v", err)
	}

	idx.mu.Lock()
	deleted := len(idx.deleted)
	idx.mu.Unlock()
	if deleted != 1 {
		t.Fatalf("deleted index entries = %d", deleted)
	}
}

func TestTokenChecker(t *testing.T) {
	checker := NewTokenChecker("secret")
	if !checker.Can("system", "secret", ActionWrite) {
		t.Fatal("matching token must pass")
	}
	if checker.Can("system", "wrong", ActionRead) {
		t.Fatal("wrong token must fail")
	}
	if checker.Can("system", "", ActionRead) {
		t.Fatal("empty token must fail")
	}
}
