package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
	campaignsvc "github.com/acme/voice-campaign-dispatch/internal/service/campaign"
	apperrors "github.com/acme/voice-campaign-dispatch/pkg/errors"
)

type createCampaignRequest struct {
	WorkspaceID        string     `json:"workspace_id"`
	AgentID            string     `json:"agent_id"`
	Name               string     `json:"name"`
	ScheduleType       string     `json:"schedule_type"`
	ScheduledStartAt   *time.Time `json:"scheduled_start_at"`
	ScheduledExpiresAt *time.Time `json:"scheduled_expires_at"`
	BusinessHoursOnly  bool       `json:"business_hours_only"`
	BusinessHoursStart string     `json:"business_hours_start"`
	BusinessHoursEnd   string     `json:"business_hours_end"`
	TimeZone           string     `json:"time_zone"`
	ConcurrencyLimit   int        `json:"concurrency_limit"`
	MaxAttempts        int        `json:"max_attempts"`
	RetryDelay         string     `json:"retry_delay"`
}

type campaignResponse struct {
	ID                 uuid.UUID             `json:"id"`
	WorkspaceID        uuid.UUID             `json:"workspace_id"`
	AgentID            uuid.UUID             `json:"agent_id"`
	Name               string                `json:"name"`
	Status             domain.CampaignStatus `json:"status"`
	ScheduleType       domain.ScheduleType   `json:"schedule_type"`
	ScheduledStartAt   *time.Time            `json:"scheduled_start_at,omitempty"`
	ScheduledExpiresAt *time.Time            `json:"scheduled_expires_at,omitempty"`
	BusinessHoursOnly  bool                  `json:"business_hours_only"`
	BusinessHoursStart string                `json:"business_hours_start,omitempty"`
	BusinessHoursEnd   string                `json:"business_hours_end,omitempty"`
	TimeZone           string                `json:"time_zone,omitempty"`
	ConcurrencyLimit   int                   `json:"concurrency_limit"`
	MaxAttempts        int                   `json:"max_attempts"`
	RetryDelay         string                `json:"retry_delay"`
	TotalRecipients    int64                 `json:"total_recipients"`
	PendingCalls       int64                 `json:"pending_calls"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	StartedAt          *time.Time            `json:"started_at,omitempty"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
}

type campaignStatsResponse struct {
	TotalRecipients int64 `json:"total_recipients"`
	Pending         int64 `json:"pending"`
	Calling         int64 `json:"calling"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	NoAnswer        int64 `json:"no_answer"`
	Busy            int64 `json:"busy"`
	Canceled        int64 `json:"canceled"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}

	campaigns, err := h.campaigns.List(ctx.Context(), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

type updateCampaignRequest struct {
	Name               *string `json:"name"`
	ConcurrencyLimit   *int    `json:"concurrency_limit"`
	MaxAttempts        *int    `json:"max_attempts"`
	RetryDelay         *string `json:"retry_delay"`
	BusinessHoursOnly  *bool   `json:"business_hours_only"`
	BusinessHoursStart *string `json:"business_hours_start"`
	BusinessHoursEnd   *string `json:"business_hours_end"`
	TimeZone           *string `json:"time_zone"`
}

func (h *HandlerSet) updateCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req updateCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.UpdateCampaignInput{
		ID:                id,
		Name:              req.Name,
		ConcurrencyLimit:  req.ConcurrencyLimit,
		MaxAttempts:       req.MaxAttempts,
		BusinessHoursOnly: req.BusinessHoursOnly,
		TimeZone:          req.TimeZone,
	}
	if req.RetryDelay != nil {
		d, err := time.ParseDuration(*req.RetryDelay)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid retry_delay")
		}
		input.RetryDelay = &d
	}
	if req.BusinessHoursStart != nil {
		start, err := parseMinuteOfDay(*req.BusinessHoursStart)
		if err != nil {
			return translateError(err)
		}
		input.BusinessHoursStart = &start
	}
	if req.BusinessHoursEnd != nil {
		end, err := parseMinuteOfDay(*req.BusinessHoursEnd)
		if err != nil {
			return translateError(err)
		}
		input.BusinessHoursEnd = &end
	}

	campaign, err := h.campaigns.Update(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

type scheduleCampaignRequest struct {
	StartAt   time.Time  `json:"start_at"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *HandlerSet) scheduleCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req scheduleCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.campaigns.Schedule(ctx.Context(), id, req.StartAt, req.ExpiresAt); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.campaigns.Start(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) terminateCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.campaigns.Terminate(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	stats, err := h.campaigns.Stats(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	resp := campaignStatsResponse{
		TotalRecipients: stats.TotalRecipients,
		Pending:         stats.Pending,
		Calling:         stats.Calling,
		Completed:       stats.Completed,
		Failed:          stats.Failed,
		NoAnswer:        stats.NoAnswer,
		Busy:            stats.Busy,
		Canceled:        stats.Canceled,
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

type callEventResponse struct {
	ID            uuid.UUID `json:"id"`
	RecipientID   uuid.UUID `json:"recipient_id"`
	CallReference string    `json:"call_reference,omitempty"`
	PhoneNumber   string    `json:"phone_number"`
	EventType     string    `json:"event_type"`
	Outcome       string    `json:"outcome,omitempty"`
	Attempt       int       `json:"attempt"`
	DurationMs    int64     `json:"duration_ms"`
	Cost          float64   `json:"cost"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type listCallEventsResponse struct {
	Events   []callEventResponse `json:"events"`
	NextPage string              `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) listCampaignCalls(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	paging, err := decodePageToken(ctx.Query("page_token", ""))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page token")
	}

	events, next, err := h.container.Repositories().Events.ListByCampaign(ctx.Context(), id, limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listCallEventsResponse{Events: make([]callEventResponse, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, callEventResponse{
			ID:            ev.ID,
			RecipientID:   ev.RecipientID,
			CallReference: ev.CallReference,
			PhoneNumber:   ev.PhoneNumber,
			EventType:     ev.EventType,
			Outcome:       string(ev.Outcome),
			Attempt:       ev.Attempt,
			DurationMs:    ev.Duration.Milliseconds(),
			Cost:          ev.Cost,
			OccurredAt:    ev.OccurredAt,
		})
	}
	resp.NextPage = encodePageToken(next)

	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	workspaceID, err := uuid.Parse(req.WorkspaceID)
	if err != nil {
		return campaignsvc.CreateCampaignInput{}, fmt.Errorf("%w: invalid workspace_id", apperrors.ErrValidation)
	}
	agentID := uuid.Nil
	if req.AgentID != "" {
		agentID, err = uuid.Parse(req.AgentID)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, fmt.Errorf("%w: invalid agent_id", apperrors.ErrValidation)
		}
	}

	scheduleType := domain.ScheduleType(req.ScheduleType)
	if req.ScheduleType == "" {
		scheduleType = domain.ScheduleImmediate
	}

	input := campaignsvc.CreateCampaignInput{
		WorkspaceID:        workspaceID,
		AgentID:            agentID,
		Name:               req.Name,
		ScheduleType:       scheduleType,
		ScheduledStartAt:   req.ScheduledStartAt,
		ScheduledExpiresAt: req.ScheduledExpiresAt,
		BusinessHoursOnly:  req.BusinessHoursOnly,
		TimeZone:           req.TimeZone,
		ConcurrencyLimit:   req.ConcurrencyLimit,
		MaxAttempts:        req.MaxAttempts,
	}

	if req.BusinessHoursStart != "" {
		start, err := parseMinuteOfDay(req.BusinessHoursStart)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
		input.BusinessHoursStart = start
	}
	if req.BusinessHoursEnd != "" {
		end, err := parseMinuteOfDay(req.BusinessHoursEnd)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
		input.BusinessHoursEnd = end
	}
	if req.RetryDelay != "" {
		d, err := time.ParseDuration(req.RetryDelay)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, fmt.Errorf("%w: invalid retry_delay", apperrors.ErrValidation)
		}
		input.RetryDelay = d
	}

	return input, nil
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:                 campaign.ID,
		WorkspaceID:        campaign.WorkspaceID,
		AgentID:            campaign.AgentID,
		Name:               campaign.Name,
		Status:             campaign.Status,
		ScheduleType:       campaign.ScheduleType,
		ScheduledStartAt:   campaign.ScheduledStartAt,
		ScheduledExpiresAt: campaign.ScheduledExpiresAt,
		BusinessHoursOnly:  campaign.BusinessHoursOnly,
		BusinessHoursStart: formatMinuteOfDay(campaign.BusinessHoursStart),
		BusinessHoursEnd:   formatMinuteOfDay(campaign.BusinessHoursEnd),
		TimeZone:           campaign.TimeZone,
		ConcurrencyLimit:   campaign.ConcurrencyLimit,
		MaxAttempts:        campaign.MaxAttempts,
		RetryDelay:         campaign.RetryDelay.String(),
		TotalRecipients:    campaign.TotalRecipients,
		PendingCalls:       campaign.PendingCalls,
		CreatedAt:          campaign.CreatedAt,
		UpdatedAt:          campaign.UpdatedAt,
		StartedAt:          campaign.StartedAt,
		CompletedAt:        campaign.CompletedAt,
	}
}

// parseMinuteOfDay converts "HH:MM" to minutes since midnight.
func parseMinuteOfDay(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid time of day %q", apperrors.ErrValidation, value)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatMinuteOfDay(minutes int) string {
	if minutes <= 0 {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func decodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	return base64.URLEncoding.DecodeString(token)
}

func encodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.URLEncoding.EncodeToString(state)
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}
