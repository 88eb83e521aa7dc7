package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/push-fanout/internal/domain"
	"github.com/kursadbilgin/push-fanout/internal/provider"
	"github.com/kursadbilgin/push-fanout/internal/queue"
	"github.com/kursadbilgin/push-fanout/internal/ratelimit"
	"github.com/kursadbilgin/push-fanout/internal/repository"
)

// memoryNotificationStore is a NotificationRepository with the same
// conditional update semantics as the gorm implementation.
type memoryNotificationStore struct {
	mu      sync.Mutex
	records map[string]domain.Notification
	writes  []string

	// beforeTransition runs without the lock held and may mutate the store.
	beforeTransition func(id string, expected, next domain.Status)
	getErr           error
	listErr          error
	listed           []domain.Notification
}

var _ repository.NotificationRepository = (*memoryNotificationStore)(nil)

func newMemoryNotificationStore(records ...domain.Notification) *memoryNotificationStore {
	s := &memoryNotificationStore{records: make(map[string]domain.Notification)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *memoryNotificationStore) Create(ctx context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = "generated-" + time.Now().Format("150405.000000000")
	}
	n.Status = domain.StatusPending
	s.records[n.ID] = *n
	s.writes = append(s.writes, "create:"+n.ID)
	return nil
}

func (s *memoryNotificationStore) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	n, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &n, nil
}

func (s *memoryNotificationStore) Transition(ctx context.Context, id string, expected, next domain.Status, fields domain.TransitionFields) error {
	if s.beforeTransition != nil {
		s.beforeTransition(id, expected, next)
	}

	if !domain.CanTransition(expected, next) {
		return domain.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status != expected {
		return domain.ErrConflict
	}

	n.Status = next
	if fields.IncrementAttempts {
		n.Attempts++
	}
	if fields.Pushed != nil {
		n.Pushed = *fields.Pushed
	}
	if fields.SentAt != nil {
		sentAt := *fields.SentAt
		n.SentAt = &sentAt
	}
	if fields.FailureReason != nil {
		reason := *fields.FailureReason
		n.FailureReason = &reason
	}
	s.records[id] = n
	s.writes = append(s.writes, string(expected)+"->"+string(next))
	return nil
}

func (s *memoryNotificationStore) ListByStatus(ctx context.Context, status domain.Status, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.listed, nil
}

func (s *memoryNotificationStore) get(id string) domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

// set overwrites a record without going through Transition, as a concurrent
// writer in another process would.
func (s *memoryNotificationStore) set(n domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[n.ID] = n
}

func (s *memoryNotificationStore) writeLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

type fakeDeviceRepo struct {
	listDevicesFn func(ctx context.Context, userID string) ([]domain.Device, error)
	listUserIDsFn func(ctx context.Context) ([]string, error)
}

func (f *fakeDeviceRepo) ListDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	if f.listDevicesFn != nil {
		return f.listDevicesFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeDeviceRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	if f.listUserIDsFn != nil {
		return f.listUserIDsFn(ctx)
	}
	return nil, nil
}

func devicesFor(userID string, tokens ...string) *fakeDeviceRepo {
	devices := make([]domain.Device, 0, len(tokens))
	for i, token := range tokens {
		devices = append(devices, domain.Device{
			DeviceID:  userID + "-device-" + string(rune('a'+i)),
			UserID:    userID,
			PushToken: token,
		})
	}
	return &fakeDeviceRepo{
		listDevicesFn: func(ctx context.Context, id string) ([]domain.Device, error) {
			if id != userID {
				return nil, nil
			}
			return devices, nil
		},
	}
}

type fakeAttemptRepo struct {
	mu      sync.Mutex
	batches [][]domain.DeliveryAttempt

	createBatchFn         func(ctx context.Context, attempts []domain.DeliveryAttempt) error
	getByNotificationIDFn func(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
}

func (f *fakeAttemptRepo) CreateBatch(ctx context.Context, attempts []domain.DeliveryAttempt) error {
	f.mu.Lock()
	f.batches = append(f.batches, attempts)
	f.mu.Unlock()

	if f.createBatchFn != nil {
		return f.createBatchFn(ctx, attempts)
	}
	return nil
}

func (f *fakeAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	if f.getByNotificationIDFn != nil {
		return f.getByNotificationIDFn(ctx, notificationID)
	}
	return nil, nil
}

func (f *fakeAttemptRepo) recorded() [][]domain.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]domain.DeliveryAttempt(nil), f.batches...)
}

type fakeProvider struct {
	mu     sync.Mutex
	sent   []string
	sendFn func(ctx context.Context, token string, payload provider.Payload) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, token string, payload provider.Payload) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	f.sent = append(f.sent, token)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, token, payload)
	}
	return &provider.ProviderResponse{StatusCode: 200}, nil
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, scope string) (bool, error)
	waitFn  func(ctx context.Context, scope string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, scope)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, scope string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.DeliveryMessage
	publishFn func(ctx context.Context, queueName string, msg queue.DeliveryMessage) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.DeliveryMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func (f *fakePublisher) messages() []queue.DeliveryMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.DeliveryMessage(nil), f.published...)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	reports map[string][]string
}

func (r *recordingSink) Report(ctx context.Context, userID string, tokens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = make(map[string][]string)
	}
	r.reports[userID] = append(r.reports[userID], tokens...)
}
