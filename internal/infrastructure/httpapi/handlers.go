package httpapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/doeshing/sidekick/internal/application/conversation"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	ID     string               `json:"id"`
	Record domain.CommandRecord `json:"record"`
}

type voiceRequest struct {
	AudioPath string `json:"audioPath"`
	Language  string `json:"language"`
	Prompt    string `json:"prompt"`
}

type voiceResponse struct {
	Enabled   bool `json:"enabled"`
	Listening bool `json:"listening"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"listening": s.session.Listening(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) submitCommand(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	handle, err := s.session.Submit(c.UserContext(), req.Text)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(submitResponse{ID: handle.ID(), Record: handle.Initial()})
}

func (s *Server) getCommand(c *fiber.Ctx) error {
	record, err := s.session.Command(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(record)
}

func (s *Server) dispatchCommand(c *fiber.Ctx) error {
	handle, err := s.session.Resume(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(submitResponse{ID: handle.ID(), Record: handle.Initial()})
}

func (s *Server) listCommands(c *fiber.Ctx) error {
	query := domain.CommandQuery{
		Status: domain.CommandStatus(strings.ToLower(c.Query("status"))),
		Limit:  domain.DefaultHistoryLimit,
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: limit %q", domain.ErrInvalidInput, raw)
		}
		query.Limit = limit
	}
	records, err := s.session.History(c.UserContext(), query)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"records": records})
}

func (s *Server) getConversation(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"messages": s.session.Conversation()})
}

func (s *Server) clearConversation(c *fiber.Ctx) error {
	s.session.Dispatch(conversation.ClearMessages{})
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	s.session.Dispatch(conversation.DeleteMessage{ID: c.Params("id")})
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getActions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"actions": s.session.RecentActions()})
}

func (s *Server) clearActions(c *fiber.Ctx) error {
	s.session.Dispatch(conversation.ClearActions{})
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deleteAction(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: action id %q", domain.ErrInvalidInput, c.Params("id"))
	}
	s.session.Dispatch(conversation.DeleteAction{ID: id})
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) voiceState(c *fiber.Ctx) error {
	return c.JSON(voiceResponse{Enabled: s.session.VoiceEnabled(), Listening: s.session.Listening()})
}

func (s *Server) startVoice(c *fiber.Ctx) error {
	var req voiceRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	err := s.session.StartListening(c.UserContext(), ports.CaptureRequest{
		AudioPath: req.AudioPath,
		Language:  req.Language,
		Prompt:    req.Prompt,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(voiceResponse{Enabled: true, Listening: s.session.Listening()})
}

func (s *Server) stopVoice(c *fiber.Ctx) error {
	s.session.StopListening()
	return c.JSON(voiceResponse{Enabled: s.session.VoiceEnabled(), Listening: false})
}
