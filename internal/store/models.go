package store

import "time"

// Node is a single vertex of a mind-map graph. The node whose ID equals the
// document's RootID anchors the tree; every other node is reachable from it
// through Edges.
type Node struct {
	ID    string `bson:"id" json:"id"`
	Label string `bson:"label" json:"label"`
}

// Edge connects a parent node (Source) to a child node (Target).
type Edge struct {
	ID     string `bson:"id" json:"id"`
	Source string `bson:"source" json:"source"`
	Target string `bson:"target" json:"target"`
}

// Card is a markdown note attached to a node.
type Card struct {
	ID        string    `bson:"id" json:"id"`
	NodeID    string    `bson:"nodeId" json:"nodeId"`
	Title     string    `bson:"title" json:"title"`
	Content   string    `bson:"content" json:"content"`
	UpdatedBy string    `bson:"updatedBy" json:"updatedBy"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// BranchData is the {nodes, edges} pair held per named branch.
type BranchData struct {
	Nodes []Node `bson:"nodes" json:"nodes"`
	Edges []Edge `bson:"edges" json:"edges"`
}

// RemoteConfig describes the optional git remote of a document repository.
// Token is a PAT injected into the remote URL at push/pull time only; it must
// never appear in logs or API responses.
type RemoteConfig struct {
	URL   string `bson:"url" json:"url"`
	Token string `bson:"token" json:"-"`
}

// SyncState records the last reconciliation between the database document and
// its git working tree.
type SyncState struct {
	ExportedRev  int64     `bson:"exportedRev" json:"exportedRev"`
	LastCommit   string    `bson:"lastCommit" json:"lastCommit"`
	LastExported time.Time `bson:"lastExported" json:"lastExported"`
	LastImported time.Time `bson:"lastImported" json:"lastImported"`
}

// MindMap is a versioned mind-map document keyed by (DomainID, DocID).
//
// Branch data normally lives in Branches. Documents created before named
// branches existed carry their main-branch data in the root-level Nodes/Edges
// pair; readers fall back to it for "main" when Branches has no entry.
type MindMap struct {
	DomainID     string                `bson:"domainId" json:"domainId"`
	DocID        string                `bson:"docId" json:"docId"`
	Title        string                `bson:"title" json:"title"`
	RootID       string                `bson:"rootId" json:"rootId"`
	Branches     map[string]BranchData `bson:"branches,omitempty" json:"branches,omitempty"`
	Nodes        []Node                `bson:"nodes,omitempty" json:"nodes,omitempty"`
	Edges        []Edge                `bson:"edges,omitempty" json:"edges,omitempty"`
	Cards        []Card                `bson:"cards,omitempty" json:"cards,omitempty"`
	ActiveBranch string                `bson:"activeBranch" json:"activeBranch"`
	Remote       *RemoteConfig         `bson:"remote,omitempty" json:"remote,omitempty"`
	Sync         SyncState             `bson:"sync" json:"sync"`
	Rev          int64                 `bson:"rev" json:"rev"`
	UpdatedBy    string                `bson:"updatedBy" json:"updatedBy"`
	CreatedAt    time.Time             `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time             `bson:"updatedAt" json:"updatedAt"`
}

// CommitInfo is the API-facing view of a git commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment records a blob stored for a card.
type Attachment struct {
	DomainID  string    `bson:"domainId" json:"domainId"`
	DocID     string    `bson:"docId" json:"docId"`
	CardID    string    `bson:"cardId" json:"cardId"`
	Filename  string    `bson:"filename" json:"filename"`
	Size      int64     `bson:"size" json:"size"`
	CreatedBy string    `bson:"createdBy" json:"createdBy"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}
