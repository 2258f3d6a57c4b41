package fed

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/models"
	"github.com/cvhariharan/go-marks/store"
)

// OutboxPageSize is the fixed number of items per outbox page.
const OutboxPageSize = 20

// Renderer serializes the followers, following and outbox collections as
// OrderedCollection/OrderedCollectionPage pairs.
type Renderer struct {
	store   *store.Store
	builder *Builder
	account string
	domain  string
	logger  *zap.Logger
}

func NewRenderer(st *store.Store, builder *Builder, account, domain string, logger *zap.Logger) *Renderer {
	return &Renderer{store: st, builder: builder, account: account, domain: domain, logger: logger}
}

// Followers renders the follower list as a single-page collection.
func (r *Renderer) Followers(ctx context.Context) (*models.OrderedCollection, error) {
	items, err := r.store.GetFollowers(ctx, r.account)
	if err != nil {
		return nil, err
	}
	return r.singlePage(ActorURI(r.domain, r.account)+"/followers", items), nil
}

// Following renders the following list as a single-page collection.
func (r *Renderer) Following(ctx context.Context) (*models.OrderedCollection, error) {
	items, err := r.store.GetFollowing(ctx, r.account)
	if err != nil {
		return nil, err
	}
	return r.singlePage(ActorURI(r.domain, r.account)+"/following", items), nil
}

func (r *Renderer) singlePage(collection string, items []string) *models.OrderedCollection {
	ordered := make([]any, len(items))
	for i, it := range items {
		ordered[i] = it
	}
	return &models.OrderedCollection{
		Context:    asContext,
		ID:         collection,
		Type:       "OrderedCollection",
		TotalItems: len(items),
		First: &models.OrderedCollectionPage{
			ID:           collection + "?page=1",
			Type:         "OrderedCollectionPage",
			TotalItems:   len(items),
			PartOf:       collection,
			OrderedItems: ordered,
		},
	}
}

// Outbox renders one page of published bookmarks, 20 per page, each as a
// synthesized Create over its Note. The next link always points one page
// further, even past the end.
func (r *Renderer) Outbox(ctx context.Context, page int) (*models.OrderedCollection, error) {
	if page < 1 {
		page = 1
	}
	total, err := r.store.CountBookmarks(ctx)
	if err != nil {
		return nil, err
	}
	bookmarks, err := r.store.ListBookmarks(ctx, (page-1)*OutboxPageSize, OutboxPageSize)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(bookmarks))
	for i := range bookmarks {
		bm := &bookmarks[i]
		note, err := r.builder.EnsureNote(ctx, bm)
		if err != nil {
			r.logger.Warn("outbox note lookup failed", zap.Int64("bookmark_id", bm.ID), zap.Error(err))
			continue
		}
		items = append(items, r.builder.SynthesizeActivity(note))
	}

	collection := ActorURI(r.domain, r.account) + "/outbox"
	return &models.OrderedCollection{
		Context:    asContext,
		ID:         collection,
		Type:       "OrderedCollection",
		TotalItems: total,
		First: &models.OrderedCollectionPage{
			ID:           collection + "?page=" + strconv.Itoa(page),
			Type:         "OrderedCollectionPage",
			TotalItems:   total,
			PartOf:       collection,
			Next:         collection + "?page=" + strconv.Itoa(page+1),
			OrderedItems: items,
		},
	}, nil
}
