package fed

import (
	"context"
	"net/url"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/models"
	"github.com/cvhariharan/go-marks/store"
)

// DeliveryOutcome reports the result of one recipient's delivery.
type DeliveryOutcome struct {
	Follower string
	Err      error
}

// Broadcaster fans an activity out to every follower the permission lists
// allow. Deliveries run concurrently and report on the returned channel;
// the caller is never blocked on remote inboxes.
type Broadcaster struct {
	store   *store.Store
	builder *Builder
	signer  *Signer
	account string
	enabled bool
	logger  *zap.Logger
}

func NewBroadcaster(st *store.Store, builder *Builder, signer *Signer, account string, enabled bool, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		store:   st,
		builder: builder,
		signer:  signer,
		account: account,
		enabled: enabled,
		logger:  logger,
	}
}

// blockPattern is one parsed @user@domain blocklist entry.
type blockPattern struct {
	user   string
	domain string
}

// parseBlocklist splits newline-separated handle patterns, dropping
// malformed entries.
func parseBlocklist(lists ...string) []blockPattern {
	var patterns []blockPattern
	for _, list := range lists {
		for _, line := range strings.Split(list, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			user, domain, ok := SplitHandle(line)
			if !ok {
				continue
			}
			patterns = append(patterns, blockPattern{user: user, domain: domain})
		}
	}
	return patterns
}

// matchesPattern reports whether a follower actor URI names the blocked
// identity: same host, actor path ending in the blocked username.
func matchesPattern(follower string, p blockPattern) bool {
	u, err := url.Parse(follower)
	if err != nil {
		return false
	}
	return u.Host == p.domain && path.Base(u.Path) == p.user
}

// allowed keeps a follower iff no blocklist pattern matches it.
func allowed(follower string, patterns []blockPattern) bool {
	for _, p := range patterns {
		if matchesPattern(follower, p) {
			return false
		}
	}
	return true
}

// Broadcast builds the activity for action (create, update or delete) and
// delivers it to every permitted follower's inbox. The returned channel
// carries one outcome per attempted delivery and is closed when all have
// finished; it is buffered, so discarding it is safe.
func (b *Broadcaster) Broadcast(ctx context.Context, bm *store.Bookmark, action string) <-chan DeliveryOutcome {
	if !b.enabled {
		b.logger.Info("federation disabled, not broadcasting")
		return noOutcomes()
	}

	followers, err := b.store.GetFollowers(ctx, b.account)
	if err != nil {
		b.logger.Error("could not load followers", zap.Error(err))
		return noOutcomes()
	}
	if len(followers) == 0 {
		b.logger.Info("no followers, not broadcasting")
		return noOutcomes()
	}

	patterns := b.loadBlocklist(ctx, bm.ID)
	kept := followers[:0:0]
	for _, f := range followers {
		if allowed(f, patterns) {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		b.logger.Info("all followers blocked for bookmark", zap.Int64("bookmark_id", bm.ID))
		return noOutcomes()
	}

	var activity *models.Activity
	switch action {
	case "create":
		activity, err = b.builder.BuildCreate(ctx, bm)
	case "update":
		activity, err = b.builder.BuildUpdate(ctx, bm)
	case "delete":
		activity, err = b.builder.BuildDelete(ctx, bm)
	default:
		b.logger.Warn("unsupported broadcast action", zap.String("action", action))
		return noOutcomes()
	}
	if err != nil {
		b.logger.Error("could not build activity",
			zap.String("action", action), zap.Int64("bookmark_id", bm.ID), zap.Error(err))
		return noOutcomes()
	}
	if activity == nil {
		return noOutcomes()
	}

	results := make(chan DeliveryOutcome, len(kept))
	var wg sync.WaitGroup
	for _, follower := range kept {
		wg.Add(1)
		go func(follower string) {
			defer wg.Done()
			err := b.signer.Deliver(ctx, activity, follower+"/inbox")
			results <- DeliveryOutcome{Follower: follower, Err: err}
		}(follower)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func (b *Broadcaster) loadBlocklist(ctx context.Context, bookmarkID int64) []blockPattern {
	var lists []string
	if perm, err := b.store.GetPermissionsForBookmark(ctx, bookmarkID); err != nil {
		b.logger.Error("could not load bookmark permissions", zap.Error(err))
	} else if perm != nil {
		lists = append(lists, perm.Blocked)
	}
	if global, err := b.store.GetGlobalPermissions(ctx); err != nil {
		b.logger.Error("could not load global permissions", zap.Error(err))
	} else if global != nil {
		lists = append(lists, global.Blocked)
	}
	return parseBlocklist(lists...)
}

func noOutcomes() <-chan DeliveryOutcome {
	ch := make(chan DeliveryOutcome)
	close(ch)
	return ch
}
