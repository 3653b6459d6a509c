package actiongate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
)

type fakeAuditStore struct {
	mu      sync.Mutex
	records []Record
}

func (f *fakeAuditStore) Append(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAuditStore) ByCorrelationID(ctx context.Context, correlationID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, r := range f.records {
		if r.CorrelationID == correlationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestExecuteRunsNonRiskyActionImmediately(t *testing.T) {
	audit := &fakeAuditStore{}
	g := New(audit, true)

	out, err := g.Execute(context.Background(), Action{Name: "read-file", Classification: ClassRead}, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Len(t, audit.records, 1)
	assert.Equal(t, "executed", audit.records[0].Outcome)
}

func TestExecuteGatesRiskyActionUntilApproved(t *testing.T) {
	audit := &fakeAuditStore{}
	g := New(audit, true, WithApprovalTimeout(time.Second))

	go func() {
		require.Eventually(t, func() bool {
			return len(g.PendingCheckpoints()) == 1
		}, time.Second, time.Millisecond)
		cp := g.PendingCheckpoints()[0]
		require.NoError(t, g.Decide(cp.ID, Decision{Command: CommandApprove}))
	}()

	out, err := g.Execute(context.Background(), Action{Name: "delete-data", Classification: ClassRisky}, func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestExecuteRejectsRiskyActionOnReject(t *testing.T) {
	audit := &fakeAuditStore{}
	g := New(audit, true, WithApprovalTimeout(time.Second))

	called := false
	go func() {
		require.Eventually(t, func() bool {
			return len(g.PendingCheckpoints()) == 1
		}, time.Second, time.Millisecond)
		cp := g.PendingCheckpoints()[0]
		require.NoError(t, g.Decide(cp.ID, Decision{Command: CommandReject, Reason: "too risky"}))
	}()

	_, err := g.Execute(context.Background(), Action{Name: "delete-data", Classification: ClassRisky}, func(ctx context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, errs.ErrApprovalRejected)
	assert.False(t, called)
}

func TestExecuteTimesOutWaitingForApproval(t *testing.T) {
	audit := &fakeAuditStore{}
	g := New(audit, true, WithApprovalTimeout(10*time.Millisecond))

	_, err := g.Execute(context.Background(), Action{Name: "delete-data", Classification: ClassRisky}, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, errs.ErrApprovalTimeout)
}

func TestExecuteSkipsApprovalWhenNotRequired(t *testing.T) {
	audit := &fakeAuditStore{}
	g := New(audit, false)

	out, err := g.Execute(context.Background(), Action{Name: "delete-data", Classification: ClassRisky}, func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestDecideRejectsUnknownCheckpoint(t *testing.T) {
	g := New(&fakeAuditStore{}, true)
	err := g.Decide("missing", Decision{Command: CommandApprove})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
