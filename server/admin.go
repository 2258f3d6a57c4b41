package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/store"
)

type bookmarkRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Tags        string `json:"tags"`
}

type handleRequest struct {
	Handle string `json:"handle"`
}

// createBookmark stores a bookmark and broadcasts its Create to followers.
func (s *Server) createBookmark(c echo.Context) error {
	var req bookmarkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad bookmark"})
	}
	if req.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url is required"})
	}

	bm := &store.Bookmark{
		URL:         req.URL,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
	}
	if err := s.store.SaveBookmark(c.Request().Context(), bm); err != nil {
		return err
	}
	s.broadcaster.Broadcast(context.Background(), bm, "create")
	return c.JSON(http.StatusCreated, bm)
}

func (s *Server) updateBookmark(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad bookmark id"})
	}
	var req bookmarkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad bookmark"})
	}
	if req.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url is required"})
	}

	ctx := c.Request().Context()
	bm, err := s.store.GetBookmark(ctx, id)
	if err != nil {
		return err
	}
	if bm == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "bookmark not found"})
	}

	bm.URL = req.URL
	bm.Title = req.Title
	bm.Description = req.Description
	bm.Tags = req.Tags
	if err := s.store.UpdateBookmark(ctx, bm); err != nil {
		return err
	}
	s.broadcaster.Broadcast(context.Background(), bm, "update")
	return c.JSON(http.StatusOK, bm)
}

func (s *Server) deleteBookmark(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad bookmark id"})
	}
	s.broadcaster.Broadcast(context.Background(), &store.Bookmark{ID: id}, "delete")
	return c.NoContent(http.StatusAccepted)
}

// follow resolves a @user@domain handle and sends it a Follow.
func (s *Server) follow(c echo.Context) error {
	var req handleRequest
	if err := c.Bind(&req); err != nil || req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "handle is required"})
	}
	ctx := c.Request().Context()

	target := s.resolver.ActorURI(ctx, req.Handle)
	if target == "" {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "could not resolve handle"})
	}
	inbox, err := s.resolver.Inbox(ctx, target)
	if err != nil {
		s.logger.Error("inbox resolution failed", zap.String("target", target), zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "could not resolve inbox"})
	}

	activity, err := s.builder.BuildFollow(ctx, target)
	if err != nil {
		return err
	}
	if err := s.store.AddFollowing(ctx, s.account, target); err != nil {
		return err
	}
	go func() {
		if err := s.signer.Deliver(context.Background(), activity, inbox); err != nil {
			s.logger.Error("follow delivery failed", zap.String("target", target), zap.Error(err))
		}
	}()
	return c.NoContent(http.StatusAccepted)
}

// unfollow undoes a previous Follow of the handle, when one exists.
func (s *Server) unfollow(c echo.Context) error {
	var req handleRequest
	if err := c.Bind(&req); err != nil || req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "handle is required"})
	}
	ctx := c.Request().Context()

	target := s.resolver.ActorURI(ctx, req.Handle)
	if target == "" {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "could not resolve handle"})
	}

	activity, err := s.builder.BuildUndoFollow(ctx, target)
	if err != nil {
		return err
	}
	if activity == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not following"})
	}
	if err := s.store.RemoveFollowing(ctx, s.account, target); err != nil {
		return err
	}

	inbox, err := s.resolver.Inbox(ctx, target)
	if err != nil {
		s.logger.Error("inbox resolution failed", zap.String("target", target), zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "could not resolve inbox"})
	}
	go func() {
		if err := s.signer.Deliver(context.Background(), activity, inbox); err != nil {
			s.logger.Error("undo delivery failed", zap.String("target", target), zap.Error(err))
		}
	}()
	return c.NoContent(http.StatusAccepted)
}
