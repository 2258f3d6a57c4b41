package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Account is the single-row identity record for the local actor. The
// follower, following and block lists are stored as JSON arrays, the actor
// document as raw JSON, keys as PEM.
type Account struct {
	bun.BaseModel `bun:"table:accounts"`

	Name      string `bun:",pk"`
	PrivKey   string `bun:"privkey"`
	PubKey    string `bun:"pubkey"`
	Actor     string `bun:"actor"`
	Followers string `bun:"followers"`
	Following string `bun:"following"`
	Blocks    string `bun:"blocks"`
}

// Message maps a minted guid to the serialized activity it identifies.
// BookmarkID is null for Follow/Undo messages not tied to a bookmark.
type Message struct {
	bun.BaseModel `bun:"table:messages"`

	Guid       string `bun:"guid,pk"`
	BookmarkID *int64 `bun:"bookmark_id"`
	Message    string `bun:"message"`
}

// Permission holds newline-separated handle patterns. BookmarkID 0 is the
// global record consulted on every broadcast.
type Permission struct {
	bun.BaseModel `bun:"table:permissions"`

	BookmarkID int64  `bun:"bookmark_id,pk"`
	Allowed    string `bun:"allowed"`
	Blocked    string `bun:"blocked"`
}

type Bookmark struct {
	bun.BaseModel `bun:"table:bookmarks"`

	ID          int64     `bun:"id,pk,autoincrement"`
	URL         string    `bun:"url"`
	Title       string    `bun:"title"`
	Description string    `bun:"description"`
	Tags        string    `bun:"tags"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
