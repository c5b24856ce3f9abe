package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func (s *Server) registerSessionRoutes(r fiber.Router) {
	h := r.Group("/sessions")
	h.Get("", s.listSessions)
	h.Post("", s.openSession)
	h.Delete("/:id", s.closeSession)
	h.Post("/:id/stop", s.stopSession)
	h.Post("/:id/search", s.search)
	h.Post("/:id/fixed", s.fixedPipeline)
	h.Get("/:id/status", s.sessionStatus)
	h.Get("/:id/pipelines", s.ranking)
	h.Post("/:id/pipelines/:pid/export", s.exportPipeline)
	h.Get("/:id/events", s.requireUpgrade, websocket.New(s.streamEvents))
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	return c.JSON(success("sessions", s.svc.Sessions()))
}

func (s *Server) openSession(c *fiber.Ctx) error {
	var req OpenSessionRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	sess, err := s.svc.NewSession(req.Problem)
	if err != nil {
		return err
	}
	s.logger.Info("session opened", "session_id", sess.ID())
	return c.Status(fiber.StatusCreated).JSON(success("session opened", SessionResponse{
		ID:  sess.ID(),
		Dir: sess.Layout().Root,
	}))
}

func (s *Server) closeSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.svc.CloseSession(id); err != nil {
		return err
	}
	s.logger.Info("session closed", "session_id", id)
	return c.JSON(success("session closed", nil))
}

func (s *Server) stopSession(c *fiber.Ctx) error {
	if err := s.svc.StopSession(c.Params("id")); err != nil {
		return err
	}
	return c.JSON(success("stop requested", nil))
}

func (s *Server) search(c *fiber.Ctx) error {
	var req SearchRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	id := c.Params("id")
	if err := s.svc.BuildPipelines(req.build(id)); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(success("search started", fiber.Map{"session_id": id}))
}

func (s *Server) fixedPipeline(c *fiber.Ctx) error {
	var req FixedPipelineRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	pid, err := s.svc.BuildFixedPipeline(c.UserContext(), req.build(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(success("fixed pipeline created", fiber.Map{"pipeline_id": pid}))
}

func (s *Server) sessionStatus(c *fiber.Ctx) error {
	st, err := s.svc.SessionStatus(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(success("status", st))
}

func (s *Server) ranking(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must not be negative")
	}
	list, err := s.svc.Ranking(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(success("pipelines", toRanked(list)))
}

func (s *Server) exportPipeline(c *fiber.Ctx) error {
	var req ExportRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	rank, err := s.svc.ExportPipeline(c.UserContext(), c.Params("id"), c.Params("pid"), req.Rank)
	if err != nil {
		return err
	}
	return c.JSON(success("pipeline exported", fiber.Map{"pipeline_id": c.Params("pid"), "rank": rank}))
}
