package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"trove/api/internal/auth"
	"trove/api/internal/config"
	"trove/api/internal/identity"
	"trove/api/internal/store"
	"trove/api/internal/util"
)

// maxFieldLength caps description and serialized data on create and edit.
const maxFieldLength = 2048

const rootTitle = "Home"

type dataStore interface {
	EnsureUserBySubject(context.Context, string) (store.User, error)
	GetUserByName(context.Context, string) (store.User, error)
	CreateItem(context.Context, store.Item) (store.Item, error)
	InsertRootIfAbsent(context.Context, store.Item) error
	RootExists(context.Context, string) (bool, error)
	GetRoot(context.Context, string) (store.Item, error)
	GetItem(context.Context, string) (store.Item, error)
	ListItems(context.Context, string) ([]store.Item, error)
	ListItemsByIDs(context.Context, []string) ([]store.Item, error)
	ListOwnedItemsByIDs(context.Context, string, []string) ([]store.Item, error)
	UpdateItem(context.Context, store.Item) error
	ReparentItems(context.Context, string, []string, string) error
	AttachOrphansToRoot(context.Context, string, string) error
	ClearRootParent(context.Context, string) error
	DeleteItem(context.Context, string) error
	DeleteItems(context.Context, []string) error
	Ping(ctx context.Context) error
}

type identityCache interface {
	Get(context.Context, string) (store.User, bool, error)
	Put(context.Context, string, store.User) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	identities identityCache
	verifier   *auth.Verifier
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		verifier: auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTAudience, cfg.JWTIssuer),
	}
}

func NewWithIdentityCache(cfg config.Config, dataStore *store.PostgresStore, cache *identity.Cache) *Service {
	service := New(cfg, dataStore)
	service.identities = cache
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ItemCreateInput carries the client-editable fields of a new item. Owner
// and isRoot are deliberately absent.
type ItemCreateInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data,omitempty"`
	ParentID    *string         `json:"parent_id"`
}

// ItemEditInput is a typed partial update: a nil field was omitted from the
// request, a pointer to the empty string is an explicit clear.
type ItemEditInput struct {
	ID          string          `json:"_id"`
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Data        json.RawMessage `json:"data,omitempty"`
	ParentID    *string         `json:"parent_id"`
}

type SortEntryInput struct {
	ItemID    string  `json:"itemId"`
	NewRank   float64 `json:"newRank"`
	NewParent *string `json:"newParent,omitempty"`
}

// ResolveUser maps a verified bearer token to a user, provisioning one on
// first sight of the subject. Repeated calls with the same subject always
// yield the same user; the upsert in the store closes the double-create
// race.
func (s *Service) ResolveUser(ctx context.Context, token string) (store.User, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return store.User{}, notAuthenticated("Not authenticated", err.Error())
	}

	if s.identities != nil {
		// Cache failures fall through to the database.
		if user, found, err := s.identities.Get(ctx, claims.Subject); err == nil && found {
			return user, nil
		}
	}

	user, err := s.store.EnsureUserBySubject(ctx, claims.Subject)
	if err != nil {
		return store.User{}, err
	}

	if s.identities != nil {
		_ = s.identities.Put(ctx, claims.Subject, user)
	}
	return user, nil
}

// Login authenticates a locally provisioned account and issues a bearer
// token for its subject. Unknown user and wrong password are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByName(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notAuthenticated("Invalid login", nil)
	}
	if err != nil {
		return "", err
	}
	if user.PasswordHash == "" {
		return "", notAuthenticated("Invalid login", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", notAuthenticated("Invalid login", nil)
	}

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.Subject, user.DisplayName,
		s.cfg.JWTAudience, s.cfg.JWTIssuer, s.cfg.TokenTTL)
	if err != nil {
		return "", err
	}
	return token, nil
}

// ensureRoot guarantees the user has exactly one root item, adopting any
// orphaned null-parent items along the way. Safe to call on every list:
// it is a no-op once the root exists, and the partial unique index plus
// insert-if-absent keeps two racing callers from creating two roots.
func (s *Service) ensureRoot(ctx context.Context, userID string) error {
	exists, err := s.store.RootExists(ctx, userID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.store.InsertRootIfAbsent(ctx, store.Item{
		ID:        util.NewID("itm"),
		UserID:    userID,
		Title:     rootTitle,
		IsRoot:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	// Re-read rather than trusting our insert: a concurrent request may
	// have won the race, in which case its root is the one to repair under.
	root, err := s.store.GetRoot(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.store.AttachOrphansToRoot(ctx, userID, root.ID); err != nil {
		return err
	}
	// The orphan sweep excludes the root, but re-assert its parent anyway
	// so the invariant survives even a buggy filter.
	return s.store.ClearRootParent(ctx, root.ID)
}

// authorizeItem is the single-item ownership gate: NOT_FOUND when the item
// is absent, NOT_ALLOWED when it belongs to someone else.
func (s *Service) authorizeItem(ctx context.Context, user store.User, itemID string) (store.Item, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Item{}, notFound("Item", itemID)
	}
	if err != nil {
		return store.Item{}, err
	}
	if item.UserID != user.ID {
		return store.Item{}, notAllowed("Item not authorized for current user", itemID)
	}
	return item, nil
}

// authorizeItems is the all-or-nothing batch gate: one foreign item rejects
// the whole selection.
func (s *Service) authorizeItems(ctx context.Context, user store.User, itemIDs []string) ([]store.Item, error) {
	if len(itemIDs) == 0 {
		return nil, notFound("Items", nil)
	}
	items, err := s.store.ListItemsByIDs(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, notFound("Items", itemIDs)
	}
	for _, item := range items {
		if item.UserID != user.ID {
			return nil, notAllowed("Item not authorized for current user", item.ID)
		}
	}
	return items, nil
}

// ListItems returns every item the user owns, guaranteeing the root first.
func (s *Service) ListItems(ctx context.Context, user store.User) ([]store.Item, error) {
	if err := s.ensureRoot(ctx, user.ID); err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx, user.ID)
}

func (s *Service) CreateItem(ctx context.Context, user store.User, input ItemCreateInput) (store.Item, error) {
	if len(input.Description) > maxFieldLength {
		return store.Item{}, invalidInput("item", "description exceeds 2048 characters")
	}
	if len(input.Data) > maxFieldLength {
		return store.Item{}, invalidInput("item", "serialized data exceeds 2048 characters")
	}

	return s.store.CreateItem(ctx, store.Item{
		ID:          util.NewID("itm"),
		UserID:      user.ID,
		Title:       input.Title,
		Description: input.Description,
		Data:        input.Data,
		ParentID:    input.ParentID,
		CreatedAt:   time.Now().UTC(),
	})
}

func (s *Service) EditItem(ctx context.Context, user store.User, input ItemEditInput) (store.Item, error) {
	item, err := s.authorizeItem(ctx, user, input.ID)
	if err != nil {
		return store.Item{}, err
	}

	if input.Title != nil {
		item.Title = *input.Title
	}
	if input.Description != nil {
		if len(*input.Description) > maxFieldLength {
			return store.Item{}, invalidInput("item", "description exceeds 2048 characters")
		}
		item.Description = *input.Description
	}
	if input.Data != nil {
		if len(input.Data) > maxFieldLength {
			return store.Item{}, invalidInput("item", "serialized data exceeds 2048 characters")
		}
		item.Data = input.Data
	}
	if input.ParentID != nil {
		if item.IsRoot && *input.ParentID != "" {
			return store.Item{}, notAllowed("Root item cannot have a parent", item.ID)
		}
		if *input.ParentID == "" {
			item.ParentID = nil
		} else {
			item.ParentID = input.ParentID
		}
	}

	if err := s.store.UpdateItem(ctx, item); err != nil {
		return store.Item{}, err
	}
	return item, nil
}

// MoveItems reparents a selection under a new parent. The whole batch is
// rejected when the selection is empty, contains the root, contains a
// foreign item, or when the target parent is not owned by the caller.
func (s *Service) MoveItems(ctx context.Context, user store.User, itemIDs []string, newParentID string) error {
	if len(itemIDs) == 0 {
		return notAllowed("No items selected", nil)
	}
	items, err := s.store.ListItemsByIDs(ctx, itemIDs)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return notAllowed("No items selected", itemIDs)
	}
	for _, item := range items {
		if item.UserID != user.ID {
			return notAllowed("Item not authorized for current user", item.ID)
		}
		if item.IsRoot {
			return notAllowed("Root item cannot be moved", item.ID)
		}
	}

	parent, err := s.store.GetItem(ctx, newParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return notAllowed("New parent not authorized for current user", newParentID)
	}
	if err != nil {
		return err
	}
	if parent.UserID != user.ID {
		return notAllowed("New parent not authorized for current user", newParentID)
	}

	return s.store.ReparentItems(ctx, user.ID, itemIDs, parent.ID)
}

// SortItems applies new ranks (and optionally new parents) to a batch of
// owned items. Ids the user does not own are silently excluded: clients
// fire rank syncs after drag reorders and routinely include stale ids. The
// root never takes a new parent through this path.
func (s *Service) SortItems(ctx context.Context, user store.User, entries []SortEntryInput) ([]store.Item, error) {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ItemID)
	}
	if len(ids) == 0 {
		return []store.Item{}, nil
	}

	items, err := s.store.ListOwnedItemsByIDs(ctx, user.ID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	updated := make([]store.Item, 0, len(entries))
	for _, entry := range entries {
		item, ok := byID[entry.ItemID]
		if !ok {
			continue
		}
		item.Rank = entry.NewRank
		if entry.NewParent != nil && !item.IsRoot {
			item.ParentID = entry.NewParent
		}
		if err := s.store.UpdateItem(ctx, item); err != nil {
			return nil, err
		}
		byID[item.ID] = item
		updated = append(updated, item)
	}
	return updated, nil
}

func (s *Service) SetItemChecked(ctx context.Context, user store.User, itemID string, checked bool) (store.Item, error) {
	item, err := s.authorizeItem(ctx, user, itemID)
	if err != nil {
		return store.Item{}, err
	}
	item.Checked = checked
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return store.Item{}, err
	}
	return item, nil
}

// DeleteItem removes a single owned item and returns its prior state. The
// root is never deletable.
func (s *Service) DeleteItem(ctx context.Context, user store.User, itemID string) (store.Item, error) {
	item, err := s.authorizeItem(ctx, user, itemID)
	if err != nil {
		return store.Item{}, err
	}
	if item.IsRoot {
		return store.Item{}, notAllowed("Root item cannot be deleted", item.ID)
	}
	if err := s.store.DeleteItem(ctx, item.ID); err != nil {
		return store.Item{}, err
	}
	return item, nil
}

// DeleteItems removes a batch of owned items and returns their prior state.
// Root protection applies here exactly as on single delete.
func (s *Service) DeleteItems(ctx context.Context, user store.User, itemIDs []string) ([]store.Item, error) {
	items, err := s.authorizeItems(ctx, user, itemIDs)
	if err != nil {
		return nil, err
	}
	matched := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsRoot {
			return nil, notAllowed("Root item cannot be deleted", item.ID)
		}
		matched = append(matched, item.ID)
	}
	if err := s.store.DeleteItems(ctx, matched); err != nil {
		return nil, err
	}
	return items, nil
}
