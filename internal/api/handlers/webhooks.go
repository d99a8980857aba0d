package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/voice-campaign-dispatch/internal/queue"
)

type callCompletedRequest struct {
	CallReference string  `json:"call_reference"`
	Outcome       string  `json:"outcome"`
	DurationMs    int64   `json:"duration_ms"`
	Cost          float64 `json:"cost"`
}

// callCompleted accepts the provider's completion notification. The payload is
// published to Kafka and acknowledged immediately; the completion worker does
// the real work. Duplicate deliveries are expected and harmless.
func (h *HandlerSet) callCompleted(ctx *fiber.Ctx) error {
	var req callCompletedRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.CallReference == "" {
		return fiber.NewError(http.StatusBadRequest, "call_reference is required")
	}
	if req.Outcome == "" {
		return fiber.NewError(http.StatusBadRequest, "outcome is required")
	}

	msg := queue.CompletionMessage{
		CallReference: req.CallReference,
		Outcome:       req.Outcome,
		DurationMs:    req.DurationMs,
		Cost:          req.Cost,
		ReceivedAt:    time.Now().UTC(),
	}
	if err := h.container.Publishers().Completion.Publish(ctx.Context(), msg); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusAccepted)
}

// triggerReclaim runs one reclaim sweep on demand, outside the timer.
func (h *HandlerSet) triggerReclaim(ctx *fiber.Ctx) error {
	if err := h.container.Reclaimer().Sweep(ctx.Context()); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}
