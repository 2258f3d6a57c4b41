package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/fed"
	"github.com/cvhariharan/go-marks/models"
	"github.com/cvhariharan/go-marks/store"
)

const activityJSON = "application/activity+json"

// Server wires the federation engine to its HTTP surface.
type Server struct {
	echo        *echo.Echo
	store       *store.Store
	builder     *fed.Builder
	signer      *fed.Signer
	resolver    *fed.Resolver
	renderer    *fed.Renderer
	broadcaster *fed.Broadcaster
	account     string
	domain      string
	logger      *zap.Logger
}

func New(st *store.Store, builder *fed.Builder, signer *fed.Signer, resolver *fed.Resolver,
	renderer *fed.Renderer, broadcaster *fed.Broadcaster, account, domain string, logger *zap.Logger) *Server {

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
	}))

	s := &Server{
		echo:        e,
		store:       st,
		builder:     builder,
		signer:      signer,
		resolver:    resolver,
		renderer:    renderer,
		broadcaster: broadcaster,
		account:     account,
		domain:      domain,
		logger:      logger,
	}

	e.GET("/.well-known/webfinger", s.webfinger)
	e.GET("/u/:name", s.actor)
	e.GET("/u/:name/followers", s.followers)
	e.GET("/u/:name/following", s.following)
	e.GET("/u/:name/outbox", s.outbox)
	e.GET("/m/:guid", s.message)
	e.POST("/u/:name/inbox", s.inbox)

	admin := e.Group("/admin")
	admin.POST("/bookmarks", s.createBookmark)
	admin.PUT("/bookmarks/:id", s.updateBookmark)
	admin.DELETE("/bookmarks/:id", s.deleteBookmark)
	admin.POST("/follow", s.follow)
	admin.POST("/unfollow", s.unfollow)

	return s
}

func (s *Server) Start(port string) error {
	return s.echo.Start(":" + port)
}

func (s *Server) webfinger(c echo.Context) error {
	resource := c.QueryParam("resource")
	local := "acct:" + s.account + "@" + s.domain
	if resource != "" && resource != local {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "resource not found"})
	}
	return c.JSON(http.StatusOK, &models.WebFingerResp{
		Subject: local,
		Links: []models.Link{
			{
				Rel:  "self",
				Type: activityJSON,
				Href: fed.ActorURI(s.domain, s.account),
			},
		},
	})
}

// actor serves the Person document. Records written before the outbox and
// following collections existed are patched at read time, never persisted
// back.
func (s *Server) actor(c echo.Context) error {
	if c.Param("name") != s.account {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "actor not found"})
	}
	raw, err := s.store.GetActor(c.Request().Context(), s.account)
	if err != nil {
		return err
	}
	if raw == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "actor not found"})
	}

	var actor models.Actor
	if err := json.Unmarshal([]byte(raw), &actor); err != nil {
		return err
	}
	uri := fed.ActorURI(s.domain, s.account)
	if actor.Followers == "" {
		actor.Followers = uri + "/followers"
	}
	if actor.Following == "" {
		actor.Following = uri + "/following"
	}
	if actor.Outbox == "" {
		actor.Outbox = uri + "/outbox"
	}

	body, err := json.Marshal(&actor)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, activityJSON, body)
}

func (s *Server) followers(c echo.Context) error {
	coll, err := s.renderer.Followers(c.Request().Context())
	if err != nil {
		return err
	}
	return s.collection(c, coll)
}

func (s *Server) following(c echo.Context) error {
	coll, err := s.renderer.Following(c.Request().Context())
	if err != nil {
		return err
	}
	return s.collection(c, coll)
}

func (s *Server) outbox(c echo.Context) error {
	page := 1
	if p := c.QueryParam("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			page = n
		}
	}
	coll, err := s.renderer.Outbox(c.Request().Context(), page)
	if err != nil {
		return err
	}
	return s.collection(c, coll)
}

func (s *Server) collection(c echo.Context, coll *models.OrderedCollection) error {
	return s.serveJSON(c, coll)
}

// message serves a ledger entry by guid. Ids carrying the a- marker are
// the synthesized Create wrappers; they are rebuilt around the underlying
// Note rather than stored.
func (s *Server) message(c echo.Context) error {
	ctx := c.Request().Context()
	g := c.Param("guid")

	if base, found := strings.CutPrefix(g, "a-"); found {
		match, err := s.store.FindMessageGuid(ctx, base)
		if err != nil {
			return err
		}
		if match == "" {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "message not found"})
		}
		msg, err := s.store.GetMessage(ctx, match)
		if err != nil {
			return err
		}
		var note models.Note
		if err := json.Unmarshal([]byte(msg.Message), &note); err != nil || note.Type != "Note" {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "message not found"})
		}
		return s.serveJSON(c, s.builder.SynthesizeActivity(&note))
	}

	msg, err := s.store.GetMessage(ctx, g)
	if err != nil {
		return err
	}
	if msg == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "message not found"})
	}
	return c.Blob(http.StatusOK, activityJSON, []byte(msg.Message))
}

func (s *Server) serveJSON(c echo.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, activityJSON, body)
}
