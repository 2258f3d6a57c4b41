package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// inbox handles activities POSTed by remote servers. Follow adds the
// sender to the follower list and answers with a signed Accept; Undo of a
// Follow removes it. Anything else is logged and dropped. Signature
// verification of inbound requests is not performed here.
func (s *Server) inbox(c echo.Context) error {
	if c.Param("name") != s.account {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "actor not found"})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	var activity map[string]any
	if err := json.Unmarshal(body, &activity); err != nil {
		s.logger.Warn("undecodable inbox payload", zap.Error(err))
		return c.NoContent(http.StatusBadRequest)
	}

	typ, _ := activity["type"].(string)
	switch typ {
	case "Follow":
		return s.handleFollow(c, activity)
	case "Undo":
		return s.handleUndo(c, activity)
	default:
		s.logger.Info("ignoring inbox activity", zap.String("type", typ))
		return c.NoContent(http.StatusAccepted)
	}
}

func (s *Server) handleFollow(c echo.Context, activity map[string]any) error {
	follower, _ := activity["actor"].(string)
	if follower == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	ctx := c.Request().Context()

	if err := s.store.AddFollower(ctx, s.account, follower); err != nil {
		return err
	}
	s.logger.Info("new follower", zap.String("actor", follower))

	accept := s.builder.BuildAccept(activity)
	// The reply must not hold up the response to the remote server.
	go func() {
		ctx := context.Background()
		inbox, err := s.resolver.Inbox(ctx, follower)
		if err != nil {
			s.logger.Error("could not resolve follower inbox",
				zap.String("actor", follower), zap.Error(err))
			return
		}
		if err := s.signer.Deliver(ctx, accept, inbox); err != nil {
			s.logger.Error("accept delivery failed",
				zap.String("actor", follower), zap.Error(err))
		}
	}()

	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleUndo(c echo.Context, activity map[string]any) error {
	obj, _ := activity["object"].(map[string]any)
	typ, _ := obj["type"].(string)
	if typ != "Follow" {
		s.logger.Info("ignoring undo of activity", zap.String("type", typ))
		return c.NoContent(http.StatusAccepted)
	}
	follower, _ := activity["actor"].(string)
	if follower == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.store.RemoveFollower(c.Request().Context(), s.account, follower); err != nil {
		return err
	}
	s.logger.Info("follower removed", zap.String("actor", follower))
	return c.NoContent(http.StatusAccepted)
}
