package fed

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/beevik/guid"
	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/models"
	"github.com/cvhariharan/go-marks/store"
)

const asPublic = "https://www.w3.org/ns/activitystreams#Public"

var asContext = []string{"https://www.w3.org/ns/activitystreams"}

// NewGuid mints a random 128-bit identifier rendered as 32 hex chars.
func NewGuid() string {
	return strings.ReplaceAll(guid.New().String(), "-", "")
}

func ActorURI(domain, name string) string {
	return "https://" + domain + "/u/" + name
}

func MessageURI(domain, g string) string {
	return "https://" + domain + "/m/" + g
}

// GuidFromMessageURI recovers the guid a message was stored under from its
// activity id. Inverse of MessageURI.
func GuidFromMessageURI(id string) string {
	return id[strings.LastIndex(id, "/")+1:]
}

// Builder constructs outbound Activity Streams objects and keeps the
// message ledger in step with them.
type Builder struct {
	store   *store.Store
	account string
	domain  string
	logger  *zap.Logger
}

func NewBuilder(st *store.Store, account, domain string, logger *zap.Logger) *Builder {
	return &Builder{store: st, account: account, domain: domain, logger: logger}
}

// Note renders a bookmark as a Note under the given guid. Content is an
// anchor on the bookmark title (URL text when the title is blank), the
// trimmed description with its first newline turned into a break, and one
// inline anchor per tag.
func (b *Builder) Note(bm *store.Bookmark, g string) *models.Note {
	text := strings.TrimSpace(bm.Title)
	if text == "" {
		text = bm.URL
	}

	var sb strings.Builder
	sb.WriteString(`<p><a href="` + bm.URL + `">` + text + `</a></p>`)

	desc := strings.TrimSpace(bm.Description)
	if desc != "" {
		// Only the first newline becomes a break.
		sb.WriteString(`<p>` + strings.Replace(desc, "\n", "<br>", 1) + `</p>`)
	}

	var tags []models.Tag
	for _, raw := range strings.Fields(bm.Tags) {
		name := strings.TrimPrefix(raw, "#")
		if name == "" {
			continue
		}
		href := "https://" + b.domain + "/tagged/" + name
		tags = append(tags, models.Tag{Type: "Hashtag", Href: href, Name: "#" + name})
		sb.WriteString(` <a href="` + href + `" class="hashtag">#` + name + `</a>`)
	}

	return &models.Note{
		ID:           MessageURI(b.domain, g),
		Type:         "Note",
		Published:    time.Now().UTC().Format(time.RFC3339),
		AttributedTo: ActorURI(b.domain, b.account),
		Content:      sb.String(),
		URL:          bm.URL,
		To:           []string{asPublic},
		Tag:          tags,
	}
}

// SynthesizeActivity wraps a persisted Note in a read-only Create for
// display. The a- marker keeps the wrapper's id distinct from the Note's.
func (b *Builder) SynthesizeActivity(note *models.Note) *models.Activity {
	return &models.Activity{
		Context: asContext,
		ID:      strings.Replace(note.ID, "/m/", "/m/a-", 1),
		Type:    "Create",
		Actor:   ActorURI(b.domain, b.account),
		To:      note.To,
		Object:  note,
	}
}

// BuildCreate publishes a bookmark for the first time: a fresh Note is
// persisted in the message ledger and returned wrapped in a Create.
func (b *Builder) BuildCreate(ctx context.Context, bm *store.Bookmark) (*models.Activity, error) {
	note := b.Note(bm, NewGuid())
	if err := b.persistNote(ctx, bm.ID, note); err != nil {
		return nil, err
	}
	return b.SynthesizeActivity(note), nil
}

// BuildUpdate announces a changed bookmark. Create is used rather than
// Update for compatibility with servers that mishandle Update: the object
// is the existing Note's permalink when one is on record, otherwise a new
// Note is persisted as a side effect and sent in full. The ledger entry
// behind the permalink is re-rendered so dereferencing it shows the
// changed bookmark.
func (b *Builder) BuildUpdate(ctx context.Context, bm *store.Bookmark) (*models.Activity, error) {
	g, err := b.store.GetGuidForBookmarkID(ctx, bm.ID)
	if err != nil {
		return nil, err
	}
	if g == "" {
		return b.BuildCreate(ctx, bm)
	}
	raw, err := json.Marshal(b.Note(bm, g))
	if err != nil {
		return nil, err
	}
	if err := b.store.UpdateMessage(ctx, g, string(raw)); err != nil {
		return nil, err
	}
	return &models.Activity{
		Context: asContext,
		ID:      MessageURI(b.domain, "a-"+NewGuid()),
		Type:    "Create",
		Actor:   ActorURI(b.domain, b.account),
		To:      []string{asPublic},
		Object:  MessageURI(b.domain, g),
	}, nil
}

// EnsureNote returns the bookmark's Note under its ledger guid, creating
// and persisting one when the bookmark has never been rendered. The id
// stays stable across calls.
func (b *Builder) EnsureNote(ctx context.Context, bm *store.Bookmark) (*models.Note, error) {
	g, err := b.store.GetGuidForBookmarkID(ctx, bm.ID)
	if err != nil {
		return nil, err
	}
	if g != "" {
		msg, err := b.store.GetMessage(ctx, g)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			var note models.Note
			if err := json.Unmarshal([]byte(msg.Message), &note); err == nil {
				return &note, nil
			}
		}
		return b.Note(bm, g), nil
	}
	note := b.Note(bm, NewGuid())
	if err := b.persistNote(ctx, bm.ID, note); err != nil {
		return nil, err
	}
	return note, nil
}

// BuildDelete emits a Delete over a Tombstone at the Note's former
// location and removes the ledger entry. Nil activity when the bookmark
// was never published.
func (b *Builder) BuildDelete(ctx context.Context, bm *store.Bookmark) (*models.Activity, error) {
	g, err := b.store.GetGuidForBookmarkID(ctx, bm.ID)
	if err != nil {
		return nil, err
	}
	if g == "" {
		b.logger.Info("delete requested for unpublished bookmark", zap.Int64("bookmark_id", bm.ID))
		return nil, nil
	}
	if err := b.store.DeleteMessage(ctx, g); err != nil {
		return nil, err
	}
	return &models.Activity{
		Context: asContext,
		ID:      MessageURI(b.domain, NewGuid()),
		Type:    "Delete",
		Actor:   ActorURI(b.domain, b.account),
		To:      []string{asPublic},
		Object:  models.Tombstone{Type: "Tombstone", ID: MessageURI(b.domain, g)},
	}, nil
}

// BuildFollow produces a Follow of the target actor, persisted under a
// bare guid with no bookmark attached.
func (b *Builder) BuildFollow(ctx context.Context, target string) (*models.Activity, error) {
	act := &models.Activity{
		Context: asContext,
		ID:      NewGuid(),
		Type:    "Follow",
		Actor:   ActorURI(b.domain, b.account),
		Object:  target,
	}
	raw, err := json.Marshal(act)
	if err != nil {
		return nil, err
	}
	if err := b.store.InsertMessage(ctx, act.ID, nil, string(raw)); err != nil {
		return nil, err
	}
	return act, nil
}

// BuildUndoFollow wraps the most recent persisted Follow of target in an
// Undo. Nil activity when no such Follow exists.
func (b *Builder) BuildUndoFollow(ctx context.Context, target string) (*models.Activity, error) {
	msgs, err := b.store.FindMessage(ctx, target)
	if err != nil {
		return nil, err
	}
	var follow *models.Activity
	for i := range msgs {
		var act models.Activity
		if err := json.Unmarshal([]byte(msgs[i].Message), &act); err != nil {
			continue
		}
		if obj, ok := act.Object.(string); ok && act.Type == "Follow" && obj == target {
			followCopy := act
			follow = &followCopy
		}
	}
	if follow == nil {
		b.logger.Info("no follow on record to undo", zap.String("target", target))
		return nil, nil
	}
	return &models.Activity{
		Context: asContext,
		ID:      NewGuid(),
		Type:    "Undo",
		Actor:   ActorURI(b.domain, b.account),
		Object:  follow,
	}, nil
}

// BuildAccept answers a received Follow, echoing the follow payload back
// as the Accept's object.
func (b *Builder) BuildAccept(follow map[string]any) *models.Activity {
	return &models.Activity{
		Context: asContext,
		ID:      NewGuid(),
		Type:    "Accept",
		Actor:   ActorURI(b.domain, b.account),
		Object:  follow,
	}
}

func (b *Builder) persistNote(ctx context.Context, bookmarkID int64, note *models.Note) error {
	raw, err := json.Marshal(note)
	if err != nil {
		return err
	}
	id := bookmarkID
	return b.store.InsertMessage(ctx, GuidFromMessageURI(note.ID), &id, string(raw))
}
