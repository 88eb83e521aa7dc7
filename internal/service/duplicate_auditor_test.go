package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/push-fanout/internal/dedup"
	"github.com/kursadbilgin/push-fanout/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func auditDevices(byUser map[string][]string, failing map[string]error) *fakeDeviceRepo {
	return &fakeDeviceRepo{
		listUserIDsFn: func(ctx context.Context) ([]string, error) {
			ids := []string{"user-1", "user-2", "user-3", "user-4"}
			return ids, nil
		},
		listDevicesFn: func(ctx context.Context, userID string) ([]domain.Device, error) {
			if err, ok := failing[userID]; ok {
				return nil, err
			}
			devices := make([]domain.Device, 0, len(byUser[userID]))
			for i, token := range byUser[userID] {
				devices = append(devices, domain.Device{
					DeviceID:  string(rune('a' + i)),
					UserID:    userID,
					PushToken: token,
				})
			}
			return devices, nil
		},
	}
}

func TestDuplicateAuditorRunReportsDuplicatesAndSkipsFailures(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	devices := auditDevices(
		map[string][]string{
			"user-1": {tokenA, tokenB, tokenA, "", tokenB},
			"user-2": {tokenA, tokenB},
			"user-4": {tokenC, tokenC},
		},
		map[string]error{"user-3": domain.ErrStoreUnavailable},
	)

	auditor, err := NewDuplicateAuditor(devices, dedup.New(dedup.NewTokenFormat()), 1000, time.Hour, zap.New(core))
	if err != nil {
		t.Fatalf("NewDuplicateAuditor() error = %v", err)
	}

	summary, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.UsersScanned != 3 {
		t.Fatalf("UsersScanned = %d, want 3", summary.UsersScanned)
	}
	if len(summary.Findings) != 2 {
		t.Fatalf("Findings = %+v, want 2", summary.Findings)
	}

	first := summary.Findings[0]
	if first.UserID != "user-1" || first.TotalEligible != 4 || first.UniqueCount != 2 {
		t.Fatalf("Findings[0] = %+v, want user-1 4/2", first)
	}
	if first.Redundant() != 2 {
		t.Fatalf("Redundant() = %d, want 2", first.Redundant())
	}
	if second := summary.Findings[1]; second.UserID != "user-4" || second.TotalEligible != 2 || second.UniqueCount != 1 {
		t.Fatalf("Findings[1] = %+v, want user-4 2/1", second)
	}

	if len(summary.Failures) != 1 || summary.Failures[0].UserID != "user-3" {
		t.Fatalf("Failures = %+v, want user-3", summary.Failures)
	}
	if !errors.Is(summary.Failures[0].Err, domain.ErrStoreUnavailable) {
		t.Fatalf("Failures[0].Err = %v, want ErrStoreUnavailable", summary.Failures[0].Err)
	}

	if got := recorded.FilterMessage("duplicate push tokens found").Len(); got != 2 {
		t.Fatalf("duplicate log entries = %d, want 2", got)
	}
}

func TestDuplicateAuditorRunAbortsWhenUsersUnavailable(t *testing.T) {
	t.Parallel()

	devices := &fakeDeviceRepo{
		listUserIDsFn: func(ctx context.Context) ([]string, error) {
			return nil, domain.ErrStoreUnavailable
		},
	}
	auditor, err := NewDuplicateAuditor(devices, nil, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewDuplicateAuditor() error = %v", err)
	}

	_, err = auditor.Run(context.Background())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("Run() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestDuplicateAuditorRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	devices := auditDevices(map[string][]string{"user-1": {tokenA, tokenA}}, nil)
	auditor, err := NewDuplicateAuditor(devices, nil, 1, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewDuplicateAuditor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := auditor.Run(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestNewDuplicateAuditorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDuplicateAuditor(nil, nil, 0, 0, nil); err == nil {
		t.Fatal("expected error when device repository is nil")
	}
}

func TestDuplicateAuditorStartRunsImmediately(t *testing.T) {
	t.Parallel()

	calls := make(chan struct{}, 4)
	devices := &fakeDeviceRepo{
		listUserIDsFn: func(ctx context.Context) ([]string, error) {
			calls <- struct{}{}
			return nil, nil
		},
	}
	auditor, err := NewDuplicateAuditor(devices, nil, 0, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewDuplicateAuditor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- auditor.Start(ctx) }()

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("Start() did not run an initial audit")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
