package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/domain"
	"github.com/kursadbilgin/push-fanout/internal/observability"
	"github.com/kursadbilgin/push-fanout/internal/service"
	"github.com/kursadbilgin/push-fanout/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestNotificationIntegration_CreateNotification(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
			if err := n.Validate(); err != nil {
				return nil, err
			}
			if n.UserID != "user-1" {
				t.Fatalf("UserID = %q, want user-1", n.UserID)
			}
			n.ID = "n-created"
			n.Status = domain.StatusPending
			return n, nil
		},
	}

	app := newNotificationTestApp(t, svc)

	validBody := `{"type":"outbid","senderName":"Auction House","message":"You have been outbid"}`
	resp, body := performRequest(t, app, http.MethodPost, "/v1/users/user-1/notifications", validBody)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}
	var accepted map[string]any
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if accepted["id"] != "n-created" {
		t.Fatalf("id = %v, want n-created", accepted["id"])
	}
	if accepted["status"] != domain.StatusPending.String() {
		t.Fatalf("status = %v, want %s", accepted["status"], domain.StatusPending.String())
	}
	if accepted["pushed"] != false {
		t.Fatalf("pushed = %v, want false", accepted["pushed"])
	}

	missingMessageBody := `{"type":"outbid","senderName":"Auction House","message":""}`
	resp, _ = performRequest(t, app, http.MethodPost, "/v1/users/user-1/notifications", missingMessageBody)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing message", resp.StatusCode)
	}

	tooLongBody := fmt.Sprintf(
		`{"type":"outbid","senderName":"Auction House","message":"%s"}`,
		strings.Repeat("a", domain.MaxMessageLength+1),
	)
	resp, _ = performRequest(t, app, http.MethodPost, "/v1/users/user-1/notifications", tooLongBody)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for message overflow", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/users/user-1/notifications", `{not json`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed body", resp.StatusCode)
	}
}

func TestNotificationIntegration_CreateNotificationStoreUnavailable(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		createFn: func(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
			return nil, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
		},
	}

	app := newNotificationTestApp(t, svc)

	body := `{"type":"outbid","senderName":"Auction House","message":"hello"}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/users/user-1/notifications", body)
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(respBody))
	}
}

func TestNotificationIntegration_GetNotification(t *testing.T) {
	t.Parallel()

	sentAt := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	statusCode := 200
	svc := &stubNotificationService{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			if id == "n-found" {
				return &domain.Notification{
					ID:         "n-found",
					UserID:     "user-1",
					Type:       "outbid",
					SenderName: "Auction House",
					Message:    "hello",
					Status:     domain.StatusSent,
					Pushed:     true,
					Attempts:   1,
					SentAt:     &sentAt,
				}, nil
			}
			return nil, domain.ErrNotFound
		},
		attemptsFn: func(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
			return []domain.DeliveryAttempt{
				{NotificationID: id, AttemptNumber: 1, Token: "ExponentPushToken[a]", Outcome: domain.OutcomeOK, StatusCode: &statusCode},
			}, nil
		},
	}

	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/n-found", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["pushed"] != true || parsed["attempts"] != float64(1) {
		t.Fatalf("pushed/attempts = %v/%v, want true/1", parsed["pushed"], parsed["attempts"])
	}
	if _, ok := parsed["deliveries"]; ok {
		t.Fatal("deliveries should be omitted without include=attempts")
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/notifications/n-found?include=attempts", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var withAttempts struct {
		Deliveries []map[string]any `json:"deliveries"`
	}
	if err := json.Unmarshal(body, &withAttempts); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(withAttempts.Deliveries) != 1 || withAttempts.Deliveries[0]["outcome"] != "ok" {
		t.Fatalf("deliveries = %v, want one ok attempt", withAttempts.Deliveries)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications/not-exists", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationIntegration_RequeueNotification(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		requeueFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			switch id {
			case "n-failed":
				return &domain.Notification{ID: id, UserID: "user-1", Status: domain.StatusPending, Attempts: 2}, nil
			case "n-exhausted":
				return nil, fmt.Errorf("%w: attempts exhausted after 5 attempts", domain.ErrConflict)
			default:
				return nil, domain.ErrNotFound
			}
		},
	}

	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications/n-failed/requeue", "")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["status"] != domain.StatusPending.String() {
		t.Fatalf("status = %v, want pending", parsed["status"])
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/notifications/n-exhausted/requeue", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/notifications/n-missing/requeue", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationIntegration_GetTargets(t *testing.T) {
	t.Parallel()

	tokenA := "ExponentPushToken[aaaa]"
	tokenB := "ExponentPushToken[bbbb]"
	deduplicator := dedup.New(dedup.NewTokenFormat())
	svc := &stubNotificationService{
		resolveTargetsFn: func(ctx context.Context, userID string) (*service.TargetResolution, error) {
			if userID == "" {
				return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
			}
			devices := []domain.Device{
				{UserID: userID, DeviceID: "phone", PushToken: tokenA},
				{UserID: userID, DeviceID: "tablet", PushToken: tokenA},
				{UserID: userID, DeviceID: "watch", PushToken: tokenB},
				{UserID: userID, DeviceID: "legacy", PushToken: "garbage"},
			}
			return &service.TargetResolution{
				UserID:  userID,
				Devices: devices,
				Targets: deduplicator.Deduplicate(devices),
			}, nil
		},
	}

	app := newNotificationTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/users/user-1/targets", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed targetsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Devices) != 4 {
		t.Fatalf("devices = %d, want 4", len(parsed.Devices))
	}
	if len(parsed.Tokens) != 2 || parsed.Tokens[0] != tokenA || parsed.Tokens[1] != tokenB {
		t.Fatalf("tokens = %v, want [%s %s]", parsed.Tokens, tokenA, tokenB)
	}
	if parsed.TotalEligible != 3 || parsed.UniqueCount != 2 || parsed.Malformed != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", parsed.TotalEligible, parsed.UniqueCount, parsed.Malformed)
	}
	if !parsed.HasDuplicates {
		t.Fatal("hasDuplicates = false, want true")
	}
}

func TestToHTTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: domain.ErrValidation, want: fiber.StatusBadRequest},
		{name: "not found", err: domain.ErrNotFound, want: fiber.StatusNotFound},
		{name: "conflict", err: domain.ErrConflict, want: fiber.StatusConflict},
		{name: "invalid transition", err: domain.ErrInvalidTransition, want: fiber.StatusConflict},
		{name: "store unavailable", err: fmt.Errorf("%w: timeout", domain.ErrStoreUnavailable), want: fiber.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var fe *fiber.Error
			if !errors.As(toHTTPError(tt.err), &fe) {
				t.Fatalf("toHTTPError(%v) is not a *fiber.Error", tt.err)
			}
			if fe.Code != tt.want {
				t.Fatalf("toHTTPError(%v) code = %d, want %d", tt.err, fe.Code, tt.want)
			}
		})
	}

	unknown := errors.New("boom")
	if got := toHTTPError(unknown); got != unknown {
		t.Fatalf("toHTTPError(unknown) = %v, want passthrough", got)
	}
}

func TestHealthIntegration_LivezAndReadyz(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sql.OpenDB(stubConnector{}), newStubRedisClient(nil), stubPinger{})

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, stubPinger{})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz skips unconfigured dependencies", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, nil, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		var parsed struct {
			Checks map[string]string `json:"checks"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if len(parsed.Checks) != 1 || parsed.Checks["postgres"] != "ok" {
			t.Fatalf("checks = %v, want only postgres", parsed.Checks)
		}
	})

	t.Run("readyz returns 503 when dependencies down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{pingErr: errors.New("postgres down")})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, stubPinger{err: errors.New("broker down")})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics()
	metrics.IncNotificationSent()

	app := fiber.New()
	RegisterMetricsRoute(app, metrics)

	resp, body := performRequest(t, app, http.MethodGet, "/metrics", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "push_fanout_notifications_finalized_total") {
		t.Fatalf("metrics body missing finalized counter: %s", string(body))
	}
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubNotificationService struct {
	createFn         func(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	getByIDFn        func(ctx context.Context, id string) (*domain.Notification, error)
	attemptsFn       func(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
	requeueFn        func(ctx context.Context, id string) (*domain.Notification, error)
	resolveTargetsFn func(ctx context.Context, userID string) (*service.TargetResolution, error)
}

func (s *stubNotificationService) Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	if s.createFn != nil {
		return s.createFn(ctx, n)
	}
	return nil, errors.New("not implemented")
}

func (s *stubNotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if s.attemptsFn != nil {
		return s.attemptsFn(ctx, id)
	}
	return nil, nil
}

func (s *stubNotificationService) Requeue(ctx context.Context, id string) (*domain.Notification, error) {
	if s.requeueFn != nil {
		return s.requeueFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationService) ResolveTargets(ctx context.Context, userID string) (*service.TargetResolution, error) {
	if s.resolveTargetsFn != nil {
		return s.resolveTargetsFn(ctx, userID)
	}
	return nil, errors.New("not implemented")
}

func newNotificationTestApp(t *testing.T, svc NotificationService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterNotificationRoutes(app, svc); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") {
			if h.pingErr != nil {
				cmd.SetErr(h.pingErr)
				return h.pingErr
			}
			cmd.SetErr(nil)
			return nil
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
