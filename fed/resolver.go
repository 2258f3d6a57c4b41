package fed

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/models"
)

// Resolver turns @user@domain handles into actor profile URIs via
// WebFinger, and profile URIs into inbox URIs.
type Resolver struct {
	client *resty.Client
	scheme string
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{client: resty.New(), scheme: "https", logger: logger}
}

// SplitHandle recovers (user, domain) from a handle, using the last two
// @-delimited segments so a leading @ is tolerated.
func SplitHandle(handle string) (user, domain string, ok bool) {
	parts := strings.Split(handle, "@")
	if len(parts) < 2 {
		return "", "", false
	}
	user = parts[len(parts)-2]
	domain = parts[len(parts)-1]
	if user == "" || domain == "" {
		return "", "", false
	}
	return user, domain, true
}

// ActorURI resolves a handle to its canonical actor profile URI. Returns
// "" on any failure; remote lookup problems are logged, never raised.
func (r *Resolver) ActorURI(ctx context.Context, handle string) string {
	user, domain, ok := SplitHandle(handle)
	if !ok {
		r.logger.Warn("malformed handle", zap.String("handle", handle))
		return ""
	}

	fingerURL := r.scheme + "://" + domain + "/.well-known/webfinger/?resource=acct:" + user + "@" + domain
	resp, err := r.client.R().SetContext(ctx).Get(fingerURL)
	if err != nil {
		r.logger.Warn("webfinger lookup failed", zap.String("handle", handle), zap.Error(err))
		return ""
	}

	var finger models.WebFingerResp
	if err := json.Unmarshal(resp.Body(), &finger); err != nil {
		r.logger.Warn("malformed webfinger response", zap.String("handle", handle), zap.Error(err))
		return ""
	}
	for _, link := range finger.Links {
		if link.Rel == "self" {
			return link.Href
		}
	}
	r.logger.Warn("webfinger response has no self link", zap.String("handle", handle))
	return ""
}

// Inbox fetches {profileURI}.json and returns its inbox. Unlike ActorURI
// this propagates failure: callers need to tell an unreachable profile
// apart from one that violates the protocol by omitting an inbox.
func (r *Resolver) Inbox(ctx context.Context, profileURI string) (string, error) {
	resp, err := r.client.R().SetContext(ctx).Get(profileURI + ".json")
	if err != nil {
		return "", errors.Wrap(err, "fed.Resolver.Inbox fetch")
	}

	var profile map[string]any
	if err := json.Unmarshal(resp.Body(), &profile); err != nil {
		return "", errors.Wrap(err, "fed.Resolver.Inbox decode")
	}
	inbox, ok := profile["inbox"].(string)
	if !ok || inbox == "" {
		return "", errors.Errorf("actor profile %s has no inbox", profileURI)
	}
	return inbox, nil
}
