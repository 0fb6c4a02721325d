package ha

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestElector_Disabled(t *testing.T) {
	e, err := NewElector(DefaultConfig(), nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ran := false
	require.NoError(t, e.Run(context.Background(), func(context.Context) {
		ran = true
		assert.True(t, e.IsLeader())
	}))
	assert.True(t, ran)
	assert.False(t, e.IsLeader())
}

func TestElector_NeedsClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	_, err := NewElector(cfg, nil, nil)
	assert.Error(t, err)
}

func TestElector_AcquiresLease(t *testing.T) {
	client := fake.NewClientset()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Identity = "replica-a"
	cfg.LeaseNamespace = "test"
	cfg.LeaseDuration = 3 * time.Second
	cfg.RenewDeadline = 2 * time.Second
	cfg.RetryPeriod = 100 * time.Millisecond

	e, err := NewElector(cfg, client, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("lease was not acquired")
	}
	assert.True(t, e.IsLeader())

	lease, err := client.CoordinationV1().Leases("test").Get(context.Background(), cfg.LeaseName, metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, lease.Spec.HolderIdentity)
	assert.Equal(t, "replica-a", *lease.Spec.HolderIdentity)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("elector did not stop")
	}
	assert.False(t, e.IsLeader())
}
