package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/relaylabs/otp-relay/internal/domain"
	"github.com/relaylabs/otp-relay/internal/notify"
	"github.com/relaylabs/otp-relay/internal/observability"
)

type NotifyService interface {
	RequestOTP(ctx context.Context, req notify.OTPRequest) (*notify.EnqueueResult, error)
	VerifyOTP(ctx context.Context, subjectID, code string) (domain.VerifyResult, error)
	SendNotification(ctx context.Context, req notify.NotificationRequest) (*notify.EnqueueResult, error)
	TaskStatus(ctx context.Context, taskID string) (domain.TaskStatus, error)
	MetricsSnapshot(ctx context.Context) notify.Snapshot
}

type NotifyHandler struct {
	service NotifyService
}

func NewNotifyHandler(service NotifyService) (*NotifyHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notify service is required")
	}
	return &NotifyHandler{service: service}, nil
}

func RegisterNotifyRoutes(router fiber.Router, service NotifyService) error {
	h, err := NewNotifyHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/otp/request", h.RequestOTP)
	v1.Post("/otp/verify", h.VerifyOTP)
	v1.Post("/notifications", h.SendNotification)
	v1.Get("/notifications/:id", h.GetTaskStatus)
	v1.Get("/stats", h.GetStats)

	return nil
}

type requestOTPRequest struct {
	SubjectID string `json:"subjectId"`
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
}

type verifyOTPRequest struct {
	SubjectID string `json:"subjectId"`
	Code      string `json:"code"`
}

type verifyOTPResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

const (
	verifyOKMessage = "code accepted"

	// One message covers every failure. Revealing whether a code was wrong,
	// expired, or burned through its attempts would tell a guesser which codes
	// are still live. The exact variant stays in server-side logs.
	verifyFailedMessage = "code rejected"
)

type sendNotificationRequest struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Channel   string `json:"channel"`
}

type taskStatusResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

func (h *NotifyHandler) RequestOTP(c *fiber.Ctx) error {
	var req requestOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.RequestOTP(requestContext(c), notify.OTPRequest{
		SubjectID:   strings.TrimSpace(req.SubjectID),
		Recipient:   strings.TrimSpace(req.Recipient),
		Channel:     channel,
		OriginIP:    c.IP(),
		OriginAgent: c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *NotifyHandler) VerifyOTP(c *fiber.Ctx) error {
	var req verifyOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.service.VerifyOTP(requestContext(c), req.SubjectID, req.Code)
	if err != nil {
		return toHTTPError(err)
	}

	resp := verifyOTPResponse{Valid: result.OK(), Message: verifyFailedMessage}
	if resp.Valid {
		resp.Message = verifyOKMessage
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *NotifyHandler) SendNotification(c *fiber.Ctx) error {
	var req sendNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.SendNotification(requestContext(c), notify.NotificationRequest{
		Recipient: strings.TrimSpace(req.Recipient),
		Content:   req.Content,
		Channel:   channel,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *NotifyHandler) GetTaskStatus(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	status, err := h.service.TaskStatus(requestContext(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(taskStatusResponse{
		TaskID: id,
		Status: status.String(),
	})
}

func (h *NotifyHandler) GetStats(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.service.MetricsSnapshot(requestContext(c)))
}

// requestContext propagates the request correlation ID so worker-side logs
// can be tied back to the originating request.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.Context()
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return observability.WithCorrelationID(ctx, value)
	}
	return ctx
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		// Rate limit and queue backpressure keep their typed errors so the
		// central error handler can attach Retry-After.
		return err
	}
}
