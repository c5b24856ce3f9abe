package api

import (
	"github.com/gofiber/fiber/v2"
)

func (s *Server) registerPipelineRoutes(r fiber.Router) {
	h := r.Group("/pipelines")
	h.Post("/:id/score", s.scorePipeline)
	h.Post("/:id/train", s.trainPipeline)
	h.Post("/:id/test", s.testPipeline)
	h.Get("/:id/scores", s.pipelineScores)
	h.Get("/:id/fitted", s.fittedPipeline)
}

func (s *Server) scorePipeline(c *fiber.Ctx) error {
	var req ScoreRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	id, err := s.svc.ScorePipeline(c.UserContext(), req.build(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(success("scoring queued", JobResponse{JobID: id}))
}

func (s *Server) trainPipeline(c *fiber.Ctx) error {
	var req FitRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	id, err := s.svc.TrainPipeline(c.UserContext(), req.build(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(success("training queued", JobResponse{JobID: id}))
}

func (s *Server) testPipeline(c *fiber.Ctx) error {
	var req FitRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	id, err := s.svc.TestPipeline(c.UserContext(), req.build(c.Params("id")))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(success("testing queued", JobResponse{JobID: id}))
}

func (s *Server) pipelineScores(c *fiber.Ctx) error {
	scores, err := s.svc.PipelineScores(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(success("scores", scores))
}

func (s *Server) fittedPipeline(c *fiber.Ctx) error {
	uri, err := s.svc.FittedPipelineURI(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(success("fitted pipeline", fiber.Map{"uri": uri}))
}
