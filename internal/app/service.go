package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ejunz/api/internal/config"
	"ejunz/api/internal/events"
	"ejunz/api/internal/gitsync"
	"ejunz/api/internal/mindmap"
	"ejunz/api/internal/search"
	"ejunz/api/internal/store"
	"ejunz/api/internal/treefs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dataStore is the document store surface the service needs; the production
// implementation is store.MongoStore.
type dataStore interface {
	ListMindMaps(ctx context.Context, domainID string) ([]store.MindMap, error)
	GetMindMap(ctx context.Context, domainID, docID string) (store.MindMap, error)
	InsertMindMap(ctx context.Context, doc store.MindMap) error
	ReplaceMindMap(ctx context.Context, doc store.MindMap) (store.MindMap, error)
	UpdateSyncState(ctx context.Context, domainID, docID string, sync store.SyncState) error
	SaveRemote(ctx context.Context, domainID, docID string, remote store.RemoteConfig) error
	InsertAttachment(ctx context.Context, att store.Attachment) error
	ListAttachments(ctx context.Context, domainID, docID, cardID string) ([]store.Attachment, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureRepo(domainID, docID, author string) error
	EnsureBranch(domainID, docID, branchName, fromBranch string) error
	DeleteBranch(domainID, docID, branchName string) error
	Checkout(domainID, docID, branchName string) error
	CommitTree(domainID, docID, branchName string, write func(dir string) error, author, message string) (store.CommitInfo, error)
	History(domainID, docID, branchName string, limit int) ([]store.CommitInfo, error)
	Status(domainID, docID string) (gitsync.Status, error)
	SetRemote(domainID, docID, url string) error
	Push(ctx context.Context, domainID, docID, branchName, token string) error
	Pull(ctx context.Context, domainID, docID, branchName, token string) error
	WorktreePath(domainID, docID string) string
}

type blobService interface {
	Put(ctx context.Context, domainID, docID, cardID, filename string, reader io.Reader, size int64, contentType string) (int64, error)
	PresignedGet(ctx context.Context, domainID, docID, cardID, filename string, expiry time.Duration) (string, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, error)
	IndexCards(records []search.CardRecord)
	DeleteCards(ids []string)
}

type broadcaster interface {
	Broadcast(event events.Event)
}

// PermissionChecker decides whether a caller may act on a domain. The full
// platform injects its role/permission system here; the default checks the
// shared sync token.
type PermissionChecker interface {
	Can(domainID, token, action string) bool
}

// Permission actions.
const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionSync  = "sync"
)

// TokenChecker grants every action to callers holding the shared sync token.
type TokenChecker struct {
	token string
}

func NewTokenChecker(token string) *TokenChecker {
	return &TokenChecker{token: token}
}

func (c *TokenChecker) Can(domainID, token, action string) bool {
	return token != "" && token == c.token
}

type Service struct {
	cfg    config.Config
	store  dataStore
	git    gitService
	blobs  blobService
	search searcher
	bus    events.Bus
	hub    broadcaster
	perm   PermissionChecker
	log    *zap.Logger
}

type Options struct {
	Store  dataStore
	Git    gitService
	Blobs  blobService
	Search searcher
	Bus    events.Bus
	Hub    broadcaster
	Perm   PermissionChecker
	Logger *zap.Logger
}

func New(cfg config.Config, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	perm := opts.Perm
	if perm == nil {
		perm = NewTokenChecker(cfg.SyncToken)
	}
	return &Service{
		cfg:    cfg,
		store:  opts.Store,
		git:    opts.Git,
		blobs:  opts.Blobs,
		search: opts.Search,
		bus:    opts.Bus,
		hub:    opts.Hub,
		perm:   perm,
		log:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(domainID, token, action string) bool {
	return s.perm.Can(domainID, token, action)
}

// ── Documents ──

func (s *Service) ListDocuments(ctx context.Context, domainID string) ([]map[string]any, error) {
	docs, err := s.store.ListMindMaps(ctx, domainID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for i := range docs {
		items = append(items, docSummary(&docs[i]))
	}
	return items, nil
}

func (s *Service) CreateDocument(ctx context.Context, domainID, title, actor string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	rootID := newID()
	doc := store.MindMap{
		DomainID:     domainID,
		DocID:        newID(),
		Title:        title,
		RootID:       rootID,
		Nodes:        []store.Node{{ID: rootID, Label: title}},
		ActiveBranch: mindmap.MainBranch,
		UpdatedBy:    actor,
	}
	if err := s.store.InsertMindMap(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.git.EnsureRepo(domainID, doc.DocID, actor); err != nil {
		return nil, fmt.Errorf("ensure repo: %w", err)
	}
	return docSummary(&doc), nil
}

func (s *Service) GetDocument(ctx context.Context, domainID, docID, branch string) (map[string]any, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = doc.ActiveBranch
	}
	data, err := mindmap.Data(&doc, branch)
	if err != nil {
		return nil, err
	}
	payload := docSummary(&doc)
	payload["branch"] = branchOrMain(branch)
	payload["nodes"] = data.Nodes
	payload["edges"] = data.Edges
	payload["cards"] = doc.Cards
	return payload, nil
}

// ── Branches ──

func (s *Service) ListBranches(ctx context.Context, domainID, docID string) (map[string]any, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"branches":     mindmap.List(&doc),
		"activeBranch": doc.ActiveBranch,
	}, nil
}

func (s *Service) CreateBranch(ctx context.Context, domainID, docID, name, from, actor string) (map[string]any, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	if from == "" {
		from = doc.ActiveBranch
	}
	if err := mindmap.Create(&doc, name, from); err != nil {
		return nil, err
	}
	doc.UpdatedBy = actor
	if _, err := s.store.ReplaceMindMap(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.git.EnsureBranch(domainID, docID, name, branchOrMain(from)); err != nil {
		return nil, fmt.Errorf("ensure git branch: %w", err)
	}
	s.notify(ctx, events.Event{
		Type: events.TypeBranch, DomainID: domainID, DocID: docID, Branch: name,
		Payload: map[string]any{"action": "created", "from": branchOrMain(from), "actor": actor},
	})
	return map[string]any{"branch": name, "from": branchOrMain(from)}, nil
}

func (s *Service) SwitchBranch(ctx context.Context, domainID, docID, name, actor string) (map[string]any, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	if !mindmap.Exists(&doc, name) {
		return nil, mindmap.ErrBranchNotFound
	}
	doc.ActiveBranch = name
	doc.UpdatedBy = actor
	if _, err := s.store.ReplaceMindMap(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.git.Checkout(domainID, docID, name); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	s.notify(ctx, events.Event{
		Type: events.TypeBranch, DomainID: domainID, DocID: docID, Branch: name,
		Payload: map[string]any{"action": "switched", "actor": actor},
	})
	return map[string]any{"activeBranch": name}, nil
}

func (s *Service) DeleteBranch(ctx context.Context, domainID, docID, name, actor string) error {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return err
	}
	if err := mindmap.Delete(&doc, name); err != nil {
		return err
	}
	doc.UpdatedBy = actor
	if _, err := s.store.ReplaceMindMap(ctx, doc); err != nil {
		return err
	}
	if err := s.git.DeleteBranch(domainID, docID, name); err != nil {
		// the DB is authoritative; a missing git ref is not fatal
		s.log.Warn("delete git branch", zap.String("doc", docID), zap.String("branch", name), zap.Error(err))
	}
	s.notify(ctx, events.Event{
		Type: events.TypeBranch, DomainID: domainID, DocID: docID, Branch: name,
		Payload: map[string]any{"action": "deleted", "actor": actor},
	})
	return nil
}

// SaveData replaces a branch's nodes and edges.
func (s *Service) SaveData(ctx context.Context, domainID, docID, branch string, data store.BranchData, actor string) (map[string]any, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = doc.ActiveBranch
	}
	if err := mindmap.SetData(&doc, branch, data); err != nil {
		return nil, err
	}
	doc.UpdatedBy = actor
	updated, err := s.store.ReplaceMindMap(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, events.Event{
		Type: events.TypeStatus, DomainID: domainID, DocID: docID, Branch: branchOrMain(branch),
		Payload: map[string]any{"rev": updated.Rev, "actor": actor},
	})
	return map[string]any{"rev": updated.Rev, "branch": branchOrMain(branch)}, nil
}

// ── Cards ──

func (s *Service) ListCards(ctx context.Context, domainID, docID string) ([]store.Card, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	if doc.Cards == nil {
		return []store.Card{}, nil
	}
	return doc.Cards, nil
}

func (s *Service) SaveCard(ctx context.Context, domainID, docID string, card store.Card, actor string) (store.Card, error) {
	if strings.TrimSpace(card.Title) == "" {
		return store.Card{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "card title is required", nil)
	}
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return store.Card{}, err
	}

	card.UpdatedBy = actor
	card.UpdatedAt = time.Now().UTC()
	if card.ID == "" {
		card.ID = newID()
		doc.Cards = append(doc.Cards, card)
	} else {
		found := false
		for i := range doc.Cards {
			if doc.Cards[i].ID == card.ID {
				doc.Cards[i] = card
				found = true
				break
			}
		}
		if !found {
			return store.Card{}, store.ErrNotFound
		}
	}
	doc.UpdatedBy = actor
	if _, err := s.store.ReplaceMindMap(ctx, doc); err != nil {
		return store.Card{}, err
	}
	if s.search != nil {
		s.search.IndexCards([]search.CardRecord{cardRecord(domainID, docID, card)})
	}
	return card, nil
}

func (s *Service) DeleteCard(ctx context.Context, domainID, docID, cardID, actor string) error {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return err
	}
	kept := doc.Cards[:0]
	found := false
	for _, card := range doc.Cards {
		if card.ID == cardID {
			found = true
			continue
		}
		kept = append(kept, card)
	}
	if !found {
		return store.ErrNotFound
	}
	doc.Cards = kept
	doc.UpdatedBy = actor
	if _, err := s.store.ReplaceMindMap(ctx, doc); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteCards([]string{cardID})
	}
	return nil
}

// ── Attachments ──

func (s *Service) UploadAttachment(ctx context.Context, domainID, docID, cardID, filename string, reader io.Reader, size int64, contentType, actor string) (store.Attachment, error) {
	if s.blobs == nil {
		return store.Attachment{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Blob storage not configured", nil)
	}
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return store.Attachment{}, err
	}
	if !hasCard(&doc, cardID) {
		return store.Attachment{}, store.ErrNotFound
	}

	stored, err := s.blobs.Put(ctx, domainID, docID, cardID, filename, reader, size, contentType)
	if err != nil {
		return store.Attachment{}, fmt.Errorf("store blob: %w", err)
	}
	att := store.Attachment{
		DomainID:  domainID,
		DocID:     docID,
		CardID:    cardID,
		Filename:  filename,
		Size:      stored,
		CreatedBy: actor,
	}
	if err := s.store.InsertAttachment(ctx, att); err != nil {
		return store.Attachment{}, err
	}
	return att, nil
}

func (s *Service) AttachmentURL(ctx context.Context, domainID, docID, cardID, filename string) (string, error) {
	if s.blobs == nil {
		return "", domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Blob storage not configured", nil)
	}
	return s.blobs.PresignedGet(ctx, domainID, docID, cardID, filename, 15*time.Minute)
}

func (s *Service) ListAttachments(ctx context.Context, domainID, docID, cardID string) ([]store.Attachment, error) {
	return s.store.ListAttachments(ctx, domainID, docID, cardID)
}

// ── Sync ──

// Export materializes a branch as a file tree in the document's git working
// directory, commits, and optionally pushes.
func (s *Service) Export(ctx context.Context, domainID, docID, branch, message string, push bool, actor string) (map[string]any, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = doc.ActiveBranch
	}
	branch = branchOrMain(branch)
	data, err := mindmap.Data(&doc, branch)
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = fmt.Sprintf("Export %s @ rev %d", doc.Title, doc.Rev)
	}

	commit, err := s.git.CommitTree(domainID, docID, branch, func(dir string) error {
		return treefs.Export(dir, &doc, data)
	}, actor, message)
	if err != nil {
		return nil, err
	}

	syncState := doc.Sync
	syncState.ExportedRev = doc.Rev
	syncState.LastCommit = commit.Hash
	syncState.LastExported = time.Now().UTC()
	if err := s.store.UpdateSyncState(ctx, domainID, docID, syncState); err != nil {
		return nil, err
	}

	s.notify(ctx, events.Event{
		Type: events.TypeCommit, DomainID: domainID, DocID: docID, Branch: branch,
		Payload: map[string]any{"commit": commit.Hash, "message": commit.Message, "actor": actor},
	})
	s.notify(ctx, events.Event{
		Type: events.TypeExport, DomainID: domainID, DocID: docID, Branch: branch,
		Payload: map[string]any{"commit": commit.Hash, "actor": actor},
	})

	pushed := false
	if push {
		token := ""
		if doc.Remote != nil {
			token = doc.Remote.Token
		}
		pushCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		defer cancel()
		if err := s.git.Push(pushCtx, domainID, docID, branch, token); err != nil {
			return nil, err
		}
		pushed = true
		s.notify(ctx, events.Event{
			Type: events.TypePush, DomainID: domainID, DocID: docID, Branch: branch,
			Payload: map[string]any{"commit": commit.Hash, "actor": actor},
		})
	}

	return map[string]any{
		"commit": commit,
		"branch": branch,
		"pushed": pushed,
	}, nil
}

// Import reads the git working tree back into the document: optional pull,
// directory walk, card diff by title, then apply.
func (s *Service) Import(ctx context.Context, domainID, docID, branch string, pull bool, actor string) (map[string]any, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = doc.ActiveBranch
	}
	branch = branchOrMain(branch)
	data, err := mindmap.Data(&doc, branch)
	if err != nil {
		return nil, err
	}

	if pull {
		token := ""
		if doc.Remote != nil {
			token = doc.Remote.Token
		}
		pullCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		defer cancel()
		if err := s.git.Pull(pullCtx, domainID, docID, branch, token); err != nil {
			return nil, err
		}
		s.notify(ctx, events.Event{
			Type: events.TypePull, DomainID: domainID, DocID: docID, Branch: branch,
			Payload: map[string]any{"actor": actor},
		})
	} else if err := s.git.Checkout(domainID, docID, branch); err != nil {
		return nil, err
	}

	tree, err := treefs.BuildTree(s.git.WorktreePath(domainID, docID))
	if err != nil {
		return nil, fmt.Errorf("walk working tree: %w", err)
	}

	next, plan := treefs.Reconcile(&doc, data, tree, newID)
	changed := !plan.Empty() || !dataEqual(data, next)
	if changed {
		if err := mindmap.SetData(&doc, branch, next); err != nil {
			return nil, err
		}
		treefs.ApplyPlan(&doc, plan)
		doc.UpdatedBy = actor
		if _, err := s.store.ReplaceMindMap(ctx, doc); err != nil {
			return nil, err
		}
	}

	syncState := doc.Sync
	syncState.LastImported = time.Now().UTC()
	if err := s.store.UpdateSyncState(ctx, domainID, docID, syncState); err != nil {
		return nil, err
	}

	if s.search != nil {
		records := make([]search.CardRecord, 0, len(plan.Create)+len(plan.Update))
		for _, card := range plan.Create {
			records = append(records, cardRecord(domainID, docID, card))
		}
		for _, card := range plan.Update {
			records = append(records, cardRecord(domainID, docID, card))
		}
		s.search.IndexCards(records)
		s.search.DeleteCards(plan.Delete)
	}

	s.notify(ctx, events.Event{
		Type: events.TypeImport, DomainID: domainID, DocID: docID, Branch: branch,
		Payload: map[string]any{
			"created": len(plan.Create),
			"updated": len(plan.Update),
			"deleted": len(plan.Delete),
			"actor":   actor,
		},
	})

	return map[string]any{
		"branch":  branch,
		"changed": changed,
		"plan":    plan,
	}, nil
}

func (s *Service) Status(ctx context.Context, domainID, docID string) (map[string]any, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	status, err := s.git.Status(domainID, docID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"git":   status,
		"sync":  doc.Sync,
		"rev":   doc.Rev,
		"dirty": doc.Rev != doc.Sync.ExportedRev,
	}, nil
}

func (s *Service) History(ctx context.Context, domainID, docID, branch string, limit int) ([]store.CommitInfo, error) {
	doc, err := s.store.GetMindMap(ctx, domainID, docID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = doc.ActiveBranch
	}
	return s.git.History(domainID, docID, branchOrMain(branch), limit)
}

// SetRemote stores the remote URL and PAT and points the git remote at the
// bare URL. The token never reaches git config or the response body.
func (s *Service) SetRemote(ctx context.Context, domainID, docID, url, token string) (map[string]any, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "url is required", nil)
	}
	if _, err := s.store.GetMindMap(ctx, domainID, docID); err != nil {
		return nil, err
	}
	if err := s.store.SaveRemote(ctx, domainID, docID, store.RemoteConfig{URL: url, Token: token}); err != nil {
		return nil, err
	}
	if err := s.git.SetRemote(domainID, docID, url); err != nil {
		return nil, fmt.Errorf("set git remote: %w", err)
	}
	return map[string]any{"url": url, "hasToken": token != ""}, nil
}

// ── Search ──

func (s *Service) Search(ctx context.Context, domainID, q string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return map[string]any{"results": []search.Result{}, "query": q}, nil
	}
	results, err := s.search.Search(ctx, search.Query{DomainID: domainID, Q: q, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "query": q}, nil
}

// notify publishes an event to the bus so every instance (including this
// one) rebroadcasts it to local websocket clients; without a bus it goes
// straight to the local hub. Failures are logged, never surfaced: status
// events must not fail a sync operation.
func (s *Service) notify(ctx context.Context, event events.Event) {
	event.At = time.Now().UTC()
	if s.bus != nil {
		if err := s.bus.Publish(ctx, event); err != nil {
			s.log.Warn("publish event", zap.String("type", event.Type), zap.Error(err))
		}
		return
	}
	if s.hub != nil {
		s.hub.Broadcast(event)
	}
}

func docSummary(doc *store.MindMap) map[string]any {
	hasRemote := doc.Remote != nil && doc.Remote.URL != ""
	return map[string]any{
		"domainId":     doc.DomainID,
		"docId":        doc.DocID,
		"title":        doc.Title,
		"rootId":       doc.RootID,
		"activeBranch": doc.ActiveBranch,
		"branches":     mindmap.List(doc),
		"rev":          doc.Rev,
		"hasRemote":    hasRemote,
		"sync":         doc.Sync,
		"updatedBy":    doc.UpdatedBy,
		"updatedAt":    doc.UpdatedAt,
	}
}

func cardRecord(domainID, docID string, card store.Card) search.CardRecord {
	return search.CardRecord{
		ID:       card.ID,
		DomainID: domainID,
		DocID:    docID,
		NodeID:   card.NodeID,
		Title:    card.Title,
		Content:  card.Content,
	}
}

func hasCard(doc *store.MindMap, cardID string) bool {
	for _, card := range doc.Cards {
		if card.ID == cardID {
			return true
		}
	}
	return false
}

// dataEqual compares two graphs ignoring order: an import that only walks the
// tree in a different sequence is not a change.
func dataEqual(a, b store.BranchData) bool {
	if len(a.Nodes) != len(b.Nodes) || len(a.Edges) != len(b.Edges) {
		return false
	}
	nodes := make(map[store.Node]struct{}, len(a.Nodes))
	for _, node := range a.Nodes {
		nodes[node] = struct{}{}
	}
	for _, node := range b.Nodes {
		if _, ok := nodes[node]; !ok {
			return false
		}
	}
	edges := make(map[store.Edge]struct{}, len(a.Edges))
	for _, edge := range a.Edges {
		edges[edge] = struct{}{}
	}
	for _, edge := range b.Edges {
		if _, ok := edges[edge]; !ok {
			return false
		}
	}
	return true
}

func branchOrMain(branch string) string {
	if branch == "" {
		return mindmap.MainBranch
	}
	return branch
}

func newID() string {
	return uuid.NewString()
}
