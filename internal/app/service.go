package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"hyperdraft/api/internal/auth"
	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/config"
	"hyperdraft/api/internal/draft"
	"hyperdraft/api/internal/export"
	"hyperdraft/api/internal/gitrepo"
	"hyperdraft/api/internal/rbac"
	"hyperdraft/api/internal/search"
	"hyperdraft/api/internal/store"
	"hyperdraft/api/internal/util"
	"hyperdraft/api/internal/versions"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	ListDocuments(context.Context) ([]store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	InsertDocument(context.Context, store.Document) error
	UpdateDocumentState(context.Context, string, string, string, string) error
	SetPublishedVersion(context.Context, string, string, string) error
	RecordCommitFailure(context.Context, store.CommitFailure) error
	ListCommitFailures(context.Context, string, int) ([]store.CommitFailure, error)
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureDocumentRepo(string, gitrepo.Content, string) error
	EnsureBranch(string, string, string) error
	CommitContent(string, string, gitrepo.Content, string, string) (versions.ChangeRecord, error)
	GetHeadContent(string, string) (gitrepo.Content, versions.ChangeRecord, error)
	GetContentByVersion(string, string) (gitrepo.Content, versions.ChangeRecord, error)
	Changes(string) ([]versions.ChangeRecord, error)
	History(string, string, int) ([]versions.ChangeRecord, error)
	Publish(string, string, string, string) (versions.ChangeRecord, error)
}

// Dependencies are the optional backends. Nil fields disable the feature
// they serve.
type Dependencies struct {
	Search  *search.Service
	Archive export.Archiver
	Journal draft.Journal
}

type Service struct {
	cfg      config.Config
	store    dataStore
	git      gitService
	search   *search.Service
	exporter *export.Service
	engine   *versions.Engine
	drafts   *draft.Manager

	lockMu     sync.Mutex
	draftLocks map[draft.DraftKey]*sync.Mutex

	listenerMu sync.Mutex
	listeners  map[draft.DraftKey]map[string]func(draft.CommitResult)
}

func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service, deps Dependencies) *Service {
	return newService(cfg, dataStore, gitService, deps, nil)
}

// newService wires the service; scheduler may be nil for wall-clock debounce.
func newService(cfg config.Config, dataStore dataStore, gitService gitService, deps Dependencies, scheduler draft.Scheduler) *Service {
	s := &Service{
		cfg:        cfg,
		store:      dataStore,
		git:        gitService,
		search:     deps.Search,
		draftLocks: make(map[draft.DraftKey]*sync.Mutex),
		listeners:  make(map[draft.DraftKey]map[string]func(draft.CommitResult)),
	}
	s.engine = versions.NewEngine(versionSource{s}, cfg.DiffConcurrency)
	s.exporter = export.NewService(exportSource{s}, deps.Archive)
	s.drafts = draft.NewManager(draftBackend{s}, draft.SessionOptions{
		Debounce:  cfg.Debounce,
		Scheduler: scheduler,
		Journal:   deps.Journal,
		OnCommit:  s.recordCommit,
	})
	return s
}

// Bootstrap seeds a welcome document into an empty installation.
func (s *Service) Bootstrap(ctx context.Context) error {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	if len(documents) > 0 {
		return nil
	}

	owner, err := s.store.EnsureUserByName(ctx, "Avery")
	if err != nil {
		return err
	}
	children := []blocks.BlockNode{
		stampedNode("welcome-title", "heading", "Welcome to Hyperdraft"),
		stampedNode("welcome-drafts", "paragraph", "Every author edits a private draft. Changes are saved as you type."),
		stampedNode("welcome-publish", "paragraph", "Publishing merges your draft into the document history."),
	}
	_, err = s.createDocument(ctx, "doc-welcome", children, owner.DisplayName)
	return err
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown flushes every open editor session.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.drafts.CloseAll(ctx)
}

// draftLock serializes read-modify-write cycles on one author's draft.
func (s *Service) draftLock(key draft.DraftKey) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.draftLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.draftLocks[key] = mu
	}
	return mu
}

func (s *Service) recordCommit(result draft.CommitResult) {
	s.notifyCommit(result)
	if result.Err == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending := s.drafts.Pending(result.Key)
	failure := store.CommitFailure{
		DocumentID: result.Key.DocumentID,
		Author:     result.Key.Author,
		PendingOps: pending.Changed.Len() + pending.Deleted.Len() + len(pending.Moves),
		Error:      result.Err.Error(),
	}
	if err := s.store.RecordCommitFailure(ctx, failure); err != nil {
		log.Printf("app: record commit failure %s: %v", result.Key, err)
	}
}

func (s *Service) requireDocument(ctx context.Context, documentID string) (store.Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return store.Document{}, domainError(http.StatusBadRequest, "INVALID_DOCUMENT", "document id is required", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, fmt.Errorf("get document %s: %w", documentID, err)
	}
	return doc, nil
}

func stampedNode(id, typ, text string) blocks.BlockNode {
	blk := blocks.Block{ID: id, Type: typ, Text: text}
	blk.Revision = blocks.Stamp(blk)
	return blocks.BlockNode{Block: blk}
}

// plainText joins the text of every top-level subtree, one per line.
func plainText(tree []blocks.BlockNode) string {
	lines := make([]string, 0, len(tree))
	for _, node := range tree {
		if text := strings.TrimSpace(blocks.PlainText(node)); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

func isNoChanges(err error) bool {
	return errors.Is(err, gitrepo.ErrNoChanges)
}
