package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
	campaignsvc "github.com/acme/voice-campaign-dispatch/internal/service/campaign"
)

type recipientRequest struct {
	PhoneNumber string         `json:"phone_number"`
	Name        string         `json:"name"`
	Variables   map[string]any `json:"variables"`
}

type importRecipientsResponse struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Total      int `json:"total"`
}

type recipientResponse struct {
	ID            uuid.UUID         `json:"id"`
	PhoneNumber   string            `json:"phone_number"`
	Name          string            `json:"name,omitempty"`
	CallStatus    domain.CallStatus `json:"call_status"`
	Attempts      int               `json:"attempts"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	CallReference *string           `json:"call_reference,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type listRecipientsResponse struct {
	Recipients []recipientResponse `json:"recipients"`
}

func (h *HandlerSet) importRecipients(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Recipients []recipientRequest `json:"recipients"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Recipients) == 0 {
		return fiber.NewError(http.StatusBadRequest, "no recipients provided")
	}

	inputs := make([]campaignsvc.RecipientInput, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		inputs = append(inputs, campaignsvc.RecipientInput{
			PhoneNumber: r.PhoneNumber,
			Name:        r.Name,
			Variables:   r.Variables,
		})
	}

	result, err := h.campaigns.ImportRecipients(ctx.Context(), id, inputs)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(importRecipientsResponse{
		Inserted:   result.Inserted,
		Duplicates: result.Duplicates,
		Total:      result.Total,
	})
}

func (h *HandlerSet) listRecipients(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	status := domain.CallStatus(ctx.Query("status", ""))

	recipients, err := h.campaigns.ListRecipients(ctx.Context(), id, status, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listRecipientsResponse{Recipients: make([]recipientResponse, 0, len(recipients))}
	for i := range recipients {
		r := &recipients[i]
		resp.Recipients = append(resp.Recipients, recipientResponse{
			ID:            r.ID,
			PhoneNumber:   r.PhoneNumber,
			Name:          r.Name,
			CallStatus:    r.CallStatus,
			Attempts:      r.Attempts,
			LastAttemptAt: r.LastAttemptAt,
			NextAttemptAt: r.NextAttemptAt,
			CallReference: r.CallReference,
			CreatedAt:     r.CreatedAt,
		})
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}
