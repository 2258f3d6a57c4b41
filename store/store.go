package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"
)

// Store is the identity store: the local account row, the message ledger,
// permission lists and bookmarks, all in one SQLite file. Open returns a
// ready store with the schema in place; there is no background
// initialization.
type Store struct {
	db     *bun.DB
	logger *zap.Logger
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, errors.Wrap(err, "store.Open")
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	s := &Store{db: db, logger: logger}
	if err := s.createTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing bun handle. Used by tests running on an
// in-memory database.
func NewWithDB(db *bun.DB, logger *zap.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.createTables(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	tables := []any{
		(*Account)(nil),
		(*Message)(nil),
		(*Permission)(nil),
		(*Bookmark)(nil),
	}
	for _, t := range tables {
		if _, err := s.db.NewCreateTable().Model(t).IfNotExists().Exec(ctx); err != nil {
			return errors.Wrapf(err, "store.createTables %T", t)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// EnsureAccount inserts an empty account row if none exists for name.
func (s *Store) EnsureAccount(ctx context.Context, name string) error {
	_, err := s.db.NewInsert().
		Model(&Account{Name: name, Followers: "[]", Following: "[]", Blocks: "[]"}).
		On("CONFLICT (name) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.EnsureAccount")
	}
	return nil
}

func (s *Store) getAccount(ctx context.Context, name string) (*Account, error) {
	acct := new(Account)
	err := s.db.NewSelect().Model(acct).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store.getAccount")
	}
	return acct, nil
}

// GetActor returns the persisted actor document, "" when none exists.
func (s *Store) GetActor(ctx context.Context, name string) (string, error) {
	acct, err := s.getAccount(ctx, name)
	if err != nil || acct == nil {
		return "", err
	}
	return acct.Actor, nil
}

func (s *Store) SetActor(ctx context.Context, name, actorJSON string) error {
	_, err := s.db.NewUpdate().
		Model(&Account{Actor: actorJSON}).
		Column("actor").
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.SetActor")
	}
	return nil
}

func (s *Store) GetPublicKey(ctx context.Context, name string) (string, error) {
	acct, err := s.getAccount(ctx, name)
	if err != nil || acct == nil {
		return "", err
	}
	return acct.PubKey, nil
}

func (s *Store) GetPrivateKey(ctx context.Context, name string) (string, error) {
	acct, err := s.getAccount(ctx, name)
	if err != nil || acct == nil {
		return "", err
	}
	return acct.PrivKey, nil
}

func (s *Store) SetKeys(ctx context.Context, name, pubPem, privPem string) error {
	_, err := s.db.NewUpdate().
		Model(&Account{PubKey: pubPem, PrivKey: privPem}).
		Column("pubkey", "privkey").
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.SetKeys")
	}
	return nil
}

func (s *Store) getList(ctx context.Context, name, column string) ([]string, error) {
	acct, err := s.getAccount(ctx, name)
	if err != nil || acct == nil {
		return nil, err
	}
	var raw string
	switch column {
	case "followers":
		raw = acct.Followers
	case "following":
		raw = acct.Following
	case "blocks":
		raw = acct.Blocks
	}
	if raw == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.Wrap(err, "store.getList unmarshal "+column)
	}
	return list, nil
}

func (s *Store) setList(ctx context.Context, name, column string, list []string) error {
	if list == nil {
		list = []string{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "store.setList marshal "+column)
	}
	_, err = s.db.NewUpdate().
		Model((*Account)(nil)).
		Set(column+" = ?", string(raw)).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.setList "+column)
	}
	return nil
}

// addToList appends uri if not already present, preserving insertion order.
func (s *Store) addToList(ctx context.Context, name, column, uri string) error {
	list, err := s.getList(ctx, name, column)
	if err != nil {
		return err
	}
	for _, u := range list {
		if u == uri {
			return nil
		}
	}
	return s.setList(ctx, name, column, append(list, uri))
}

func (s *Store) removeFromList(ctx context.Context, name, column, uri string) error {
	list, err := s.getList(ctx, name, column)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(list))
	for _, u := range list {
		if u != uri {
			kept = append(kept, u)
		}
	}
	return s.setList(ctx, name, column, kept)
}

func (s *Store) GetFollowers(ctx context.Context, name string) ([]string, error) {
	return s.getList(ctx, name, "followers")
}

func (s *Store) SetFollowers(ctx context.Context, name string, followers []string) error {
	return s.setList(ctx, name, "followers", followers)
}

func (s *Store) AddFollower(ctx context.Context, name, uri string) error {
	return s.addToList(ctx, name, "followers", uri)
}

func (s *Store) RemoveFollower(ctx context.Context, name, uri string) error {
	return s.removeFromList(ctx, name, "followers", uri)
}

func (s *Store) GetFollowing(ctx context.Context, name string) ([]string, error) {
	return s.getList(ctx, name, "following")
}

func (s *Store) SetFollowing(ctx context.Context, name string, following []string) error {
	return s.setList(ctx, name, "following", following)
}

func (s *Store) AddFollowing(ctx context.Context, name, uri string) error {
	return s.addToList(ctx, name, "following", uri)
}

func (s *Store) RemoveFollowing(ctx context.Context, name, uri string) error {
	return s.removeFromList(ctx, name, "following", uri)
}

func (s *Store) GetBlocks(ctx context.Context, name string) ([]string, error) {
	return s.getList(ctx, name, "blocks")
}

func (s *Store) SetBlocks(ctx context.Context, name string, blocks []string) error {
	return s.setList(ctx, name, "blocks", blocks)
}

func (s *Store) InsertMessage(ctx context.Context, guid string, bookmarkID *int64, message string) error {
	_, err := s.db.NewInsert().
		Model(&Message{Guid: guid, BookmarkID: bookmarkID, Message: message}).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.InsertMessage")
	}
	return nil
}

// GetMessage returns the stored message for guid, nil when absent.
func (s *Store) GetMessage(ctx context.Context, guid string) (*Message, error) {
	msg := new(Message)
	err := s.db.NewSelect().Model(msg).Where("guid = ?", guid).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store.GetMessage")
	}
	return msg, nil
}

// FindMessageGuid reports the guid a message is stored under, "" when no
// message exists for it.
func (s *Store) FindMessageGuid(ctx context.Context, guid string) (string, error) {
	msg, err := s.GetMessage(ctx, guid)
	if err != nil || msg == nil {
		return "", err
	}
	return msg.Guid, nil
}

// UpdateMessage replaces the serialized body of an existing ledger entry.
func (s *Store) UpdateMessage(ctx context.Context, guid, message string) error {
	_, err := s.db.NewUpdate().
		Model(&Message{Message: message}).
		Column("message").
		Where("guid = ?", guid).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.UpdateMessage")
	}
	return nil
}

// GetGuidForBookmarkID returns the live message guid for a bookmark,
// "" when the bookmark has never been published.
func (s *Store) GetGuidForBookmarkID(ctx context.Context, bookmarkID int64) (string, error) {
	msg := new(Message)
	err := s.db.NewSelect().Model(msg).Where("bookmark_id = ?", bookmarkID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "store.GetGuidForBookmarkID")
	}
	return msg.Guid, nil
}

func (s *Store) GetBookmarkIDFromMessageGuid(ctx context.Context, guid string) (*int64, error) {
	msg, err := s.GetMessage(ctx, guid)
	if err != nil || msg == nil {
		return nil, err
	}
	return msg.BookmarkID, nil
}

// FindMessage returns all messages whose serialized body contains sub, in
// insertion order.
func (s *Store) FindMessage(ctx context.Context, sub string) ([]Message, error) {
	var msgs []Message
	err := s.db.NewSelect().
		Model(&msgs).
		Where("message LIKE ?", "%"+sub+"%").
		OrderExpr("rowid ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "store.FindMessage")
	}
	return msgs, nil
}

func (s *Store) DeleteMessage(ctx context.Context, guid string) error {
	_, err := s.db.NewDelete().
		Model((*Message)(nil)).
		Where("guid = ?", guid).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.DeleteMessage")
	}
	return nil
}

// GetGlobalPermissions returns the bookmark-id-0 record, nil when unset.
func (s *Store) GetGlobalPermissions(ctx context.Context) (*Permission, error) {
	return s.GetPermissionsForBookmark(ctx, 0)
}

func (s *Store) GetPermissionsForBookmark(ctx context.Context, bookmarkID int64) (*Permission, error) {
	perm := new(Permission)
	err := s.db.NewSelect().Model(perm).Where("bookmark_id = ?", bookmarkID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store.GetPermissionsForBookmark")
	}
	return perm, nil
}

func (s *Store) SetPermissionsForBookmark(ctx context.Context, bookmarkID int64, allowed, blocked string) error {
	_, err := s.db.NewInsert().
		Model(&Permission{BookmarkID: bookmarkID, Allowed: allowed, Blocked: blocked}).
		On("CONFLICT (bookmark_id) DO UPDATE").
		Set("allowed = EXCLUDED.allowed").
		Set("blocked = EXCLUDED.blocked").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.SetPermissionsForBookmark")
	}
	return nil
}

func (s *Store) SaveBookmark(ctx context.Context, b *Bookmark) error {
	_, err := s.db.NewInsert().Model(b).Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.SaveBookmark")
	}
	return nil
}

// UpdateBookmark persists changed bookmark fields.
func (s *Store) UpdateBookmark(ctx context.Context, b *Bookmark) error {
	_, err := s.db.NewUpdate().
		Model(b).
		Column("url", "title", "description", "tags").
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "store.UpdateBookmark")
	}
	return nil
}

func (s *Store) GetBookmark(ctx context.Context, id int64) (*Bookmark, error) {
	b := new(Bookmark)
	err := s.db.NewSelect().Model(b).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store.GetBookmark")
	}
	return b, nil
}

// ListBookmarks returns bookmarks newest-first.
func (s *Store) ListBookmarks(ctx context.Context, offset, limit int) ([]Bookmark, error) {
	var bs []Bookmark
	err := s.db.NewSelect().
		Model(&bs).
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "store.ListBookmarks")
	}
	return bs, nil
}

func (s *Store) CountBookmarks(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().Model((*Bookmark)(nil)).Count(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "store.CountBookmarks")
	}
	return count, nil
}
