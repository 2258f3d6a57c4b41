package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/fed"
	"github.com/cvhariharan/go-marks/models"
	"github.com/cvhariharan/go-marks/store"
)

var dbSeq atomic.Int64

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:servertest%d?mode=memory&cache=shared", dbSeq.Add(1))
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	st, err := store.NewWithDB(bun.NewDB(sqldb, sqlitedialect.New()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.EnsureAccount(ctx, "alice"))
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, st.SetKeys(ctx, "alice", "", string(privPem)))

	logger := zap.NewNop()
	builder := fed.NewBuilder(st, "alice", "example.com", logger)
	signer := fed.NewSigner(st, "alice", "example.com", logger)
	resolver := fed.NewResolver(logger)
	renderer := fed.NewRenderer(st, builder, "alice", "example.com", logger)
	broadcaster := fed.NewBroadcaster(st, builder, signer, "alice", true, logger)

	return New(st, builder, signer, resolver, renderer, broadcaster, "alice", "example.com", logger), st
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestWebfinger(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:alice@example.com", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var finger models.WebFingerResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &finger))
	assert.Equal(t, "acct:alice@example.com", finger.Subject)
	require.Len(t, finger.Links, 1)
	assert.Equal(t, "self", finger.Links[0].Rel)
	assert.Equal(t, "https://example.com/u/alice", finger.Links[0].Href)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:mallory@example.com", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActorDocumentBackfillsLegacyRecords(t *testing.T) {
	s, st := newTestServer(t)

	// A record written before the outbox and following fields existed.
	legacy := `{"@context":["https://www.w3.org/ns/activitystreams"],"id":"https://example.com/u/alice","type":"Person","preferredUsername":"alice","inbox":"https://example.com/u/alice/inbox","publicKey":{"id":"https://example.com/u/alice#main-key","owner":"https://example.com/u/alice","publicKeyPem":"x"}}`
	require.NoError(t, st.SetActor(context.Background(), "alice", legacy))

	rec := do(s, httptest.NewRequest(http.MethodGet, "/u/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, activityJSON, rec.Header().Get("Content-Type"))

	var actor models.Actor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &actor))
	assert.Equal(t, "https://example.com/u/alice/followers", actor.Followers)
	assert.Equal(t, "https://example.com/u/alice/following", actor.Following)
	assert.Equal(t, "https://example.com/u/alice/outbox", actor.Outbox)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/u/mallory", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessageEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.InsertMessage(context.Background(), "aabb", nil, `{"type":"Note"}`))

	rec := do(s, httptest.NewRequest(http.MethodGet, "/m/aabb", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"Note"}`, rec.Body.String())

	rec = do(s, httptest.NewRequest(http.MethodGet, "/m/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateBookmarkPersistsEdit(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	delivered := make(chan map[string]any, 1)
	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var act map[string]any
		if err := json.NewDecoder(r.Body).Decode(&act); err == nil {
			delivered <- act
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer follower.Close()
	require.NoError(t, st.AddFollower(ctx, "alice", follower.URL+"/u/reader"))

	bm := &store.Bookmark{URL: "http://e.com", Title: "old title"}
	require.NoError(t, st.SaveBookmark(ctx, bm))
	builder := fed.NewBuilder(st, "alice", "example.com", zap.NewNop())
	_, err := builder.BuildCreate(ctx, bm)
	require.NoError(t, err)
	g, err := st.GetGuidForBookmarkID(ctx, bm.ID)
	require.NoError(t, err)

	body := `{"url":"http://e.com","title":"new title","description":"","tags":""}`
	req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/admin/bookmarks/%d", bm.ID), strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := do(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "new title")

	got, err := st.GetBookmark(ctx, bm.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new title", got.Title)

	// The announcement carries the existing permalink.
	select {
	case act := <-delivered:
		assert.Equal(t, "Create", act["type"])
		assert.Equal(t, "https://example.com/m/"+g, act["object"])
	case <-time.After(5 * time.Second):
		t.Fatal("update was never delivered")
	}

	// The ledger note behind the permalink follows the edit.
	msg, err := st.GetMessage(ctx, g)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Contains(t, msg.Message, "new title")
	assert.NotContains(t, msg.Message, "old title")
}

func TestUpdateBookmarkUnknownIDIs404(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/admin/bookmarks/999",
		strings.NewReader(`{"url":"http://e.com","title":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSynthesizedMessageEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	bm := &store.Bookmark{URL: "http://e.com", Title: "E"}
	require.NoError(t, st.SaveBookmark(ctx, bm))
	builder := fed.NewBuilder(st, "alice", "example.com", zap.NewNop())
	_, err := builder.BuildCreate(ctx, bm)
	require.NoError(t, err)
	g, err := st.GetGuidForBookmarkID(ctx, bm.ID)
	require.NoError(t, err)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/m/a-"+g, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var act models.Activity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &act))
	assert.Equal(t, "Create", act.Type)
	assert.Equal(t, "https://example.com/m/a-"+g, act.ID)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/m/a-0000", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutboxEndpointPages(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, st.SaveBookmark(ctx, &store.Bookmark{URL: fmt.Sprintf("http://e.com/%d", i)}))
	}

	rec := do(s, httptest.NewRequest(http.MethodGet, "/u/alice/outbox?page=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var coll models.OrderedCollection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &coll))
	assert.Equal(t, 25, coll.TotalItems)
	require.NotNil(t, coll.First)
	assert.Len(t, coll.First.OrderedItems, 5)
	assert.True(t, strings.HasSuffix(coll.First.ID, "?page=2"))
	assert.True(t, strings.HasSuffix(coll.First.Next, "?page=3"))
}

func TestInboxFollowAddsFollowerAndSendsAccept(t *testing.T) {
	s, st := newTestServer(t)

	accepted := make(chan map[string]any, 1)
	var remote *httptest.Server
	remote = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/u/bob.json":
			fmt.Fprintf(w, `{"inbox":"%s/u/bob/inbox"}`, remote.URL)
		case "/u/bob/inbox":
			var act map[string]any
			if err := json.NewDecoder(r.Body).Decode(&act); err == nil {
				accepted <- act
			}
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer remote.Close()

	follow := fmt.Sprintf(`{"id":"https://x/1","type":"Follow","actor":"%s/u/bob","object":"https://example.com/u/alice"}`, remote.URL)
	req := httptest.NewRequest(http.MethodPost, "/u/alice/inbox", strings.NewReader(follow))
	req.Header.Set("Content-Type", "application/json")
	rec := do(s, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	followers, err := st.GetFollowers(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{remote.URL + "/u/bob"}, followers)

	select {
	case act := <-accepted:
		assert.Equal(t, "Accept", act["type"])
		assert.Equal(t, "https://example.com/u/alice", act["actor"])
		obj := act["object"].(map[string]any)
		assert.Equal(t, "Follow", obj["type"])
	case <-time.After(5 * time.Second):
		t.Fatal("accept was never delivered")
	}
}

func TestInboxUndoRemovesFollower(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.AddFollower(ctx, "alice", "https://remote.example/u/bob"))

	undo := `{"type":"Undo","actor":"https://remote.example/u/bob","object":{"type":"Follow","actor":"https://remote.example/u/bob"}}`
	req := httptest.NewRequest(http.MethodPost, "/u/alice/inbox", strings.NewReader(undo))
	req.Header.Set("Content-Type", "application/json")
	rec := do(s, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	followers, err := st.GetFollowers(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestInboxIgnoresUnknownActivities(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/u/alice/inbox", strings.NewReader(`{"type":"Like","actor":"https://x/u/y"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(s, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
