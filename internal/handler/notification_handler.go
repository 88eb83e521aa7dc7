package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/push-fanout/internal/domain"
	"github.com/kursadbilgin/push-fanout/internal/service"
)

type NotificationService interface {
	Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
	Requeue(ctx context.Context, id string) (*domain.Notification, error)
	ResolveTargets(ctx context.Context, userID string) (*service.TargetResolution, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/users/:userId/notifications", h.CreateNotification)
	v1.Get("/users/:userId/targets", h.GetTargets)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Post("/notifications/:id/requeue", h.RequeueNotification)

	return nil
}

type createNotificationRequest struct {
	Type       string `json:"type"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
}

type notificationResponse struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Type          string            `json:"type"`
	SenderName    string            `json:"senderName"`
	Message       string            `json:"message"`
	Status        string            `json:"status"`
	Pushed        bool              `json:"pushed"`
	Attempts      int               `json:"attempts"`
	FailureReason *string           `json:"failureReason,omitempty"`
	SentAt        *time.Time        `json:"sentAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt,omitempty"`
	Deliveries    []attemptResponse `json:"deliveries,omitempty"`
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	Token         string    `json:"token"`
	Outcome       string    `json:"outcome"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type deviceResponse struct {
	DeviceID  string `json:"deviceId"`
	PushToken string `json:"pushToken"`
}

type targetsResponse struct {
	UserID        string           `json:"userId"`
	Devices       []deviceResponse `json:"devices"`
	Tokens        []string         `json:"tokens"`
	TotalEligible int              `json:"totalEligible"`
	UniqueCount   int              `json:"uniqueCount"`
	Malformed     int              `json:"malformed"`
	HasDuplicates bool             `json:"hasDuplicates"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	notification := domain.Notification{
		UserID:     strings.TrimSpace(c.Params("userId")),
		Type:       req.Type,
		SenderName: req.SenderName,
		Message:    req.Message,
	}

	created, err := h.service.Create(c.Context(), &notification)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

// GetNotification returns the record. With ?include=attempts the per-target
// delivery log is embedded.
func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	resp := toNotificationResponse(notification)
	if strings.EqualFold(strings.TrimSpace(c.Query("include")), "attempts") {
		attempts, err := h.service.Attempts(c.Context(), id)
		if err != nil {
			return toHTTPError(err)
		}
		resp.Deliveries = toAttemptResponses(attempts)
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *NotificationHandler) RequeueNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.Requeue(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) GetTargets(c *fiber.Ctx) error {
	resolution, err := h.service.ResolveTargets(c.Context(), strings.TrimSpace(c.Params("userId")))
	if err != nil {
		return toHTTPError(err)
	}

	devices := make([]deviceResponse, 0, len(resolution.Devices))
	for _, device := range resolution.Devices {
		devices = append(devices, deviceResponse{
			DeviceID:  device.DeviceID,
			PushToken: device.PushToken,
		})
	}

	tokens := resolution.Targets.Tokens
	if tokens == nil {
		tokens = []string{}
	}

	return c.Status(fiber.StatusOK).JSON(targetsResponse{
		UserID:        resolution.UserID,
		Devices:       devices,
		Tokens:        tokens,
		TotalEligible: resolution.Targets.TotalEligible,
		UniqueCount:   resolution.Targets.UniqueCount,
		Malformed:     resolution.Targets.Malformed,
		HasDuplicates: resolution.Targets.HasDuplicates(),
	})
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:            n.ID,
		UserID:        n.UserID,
		Type:          n.Type,
		SenderName:    n.SenderName,
		Message:       n.Message,
		Status:        n.Status.String(),
		Pushed:        n.Pushed,
		Attempts:      n.Attempts,
		FailureReason: n.FailureReason,
		SentAt:        n.SentAt,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

func toAttemptResponses(attempts []domain.DeliveryAttempt) []attemptResponse {
	responses := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		responses = append(responses, attemptResponse{
			AttemptNumber: a.AttemptNumber,
			Token:         a.Token,
			Outcome:       a.Outcome.String(),
			StatusCode:    a.StatusCode,
			Error:         a.Error,
			CreatedAt:     a.CreatedAt,
		})
	}
	return responses
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
