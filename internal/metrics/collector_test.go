package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/agent/internal/models"
	syncpkg "github.com/cuemby/agent/internal/sync"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSizer struct {
	size int
	err  error
}

func (f fakeSizer) Size() (int, error) { return f.size, f.err }

type fakeSyncObservable struct {
	state State
	subCh syncpkg.Subscriber
}

type State = syncpkg.State

func (f *fakeSyncObservable) State() syncpkg.State          { return f.state }
func (f *fakeSyncObservable) Subscribe() syncpkg.Subscriber { return f.subCh }

type fakeTokenProvider struct {
	token models.Token
}

func (f fakeTokenProvider) GetToken() models.Token { return f.token }

type fakeMQTTReporter struct {
	connected bool
}

func (f fakeMQTTReporter) Connected() bool { return f.connected }

func TestCollectorSamplesCacheSizeAndTokenExpiry(t *testing.T) {
	syncer := &fakeSyncObservable{
		state: State{ErrStreak: 2, LastSyncedAt: time.Now().Add(-10 * time.Second)},
		subCh: make(syncpkg.Subscriber, 1),
	}
	tokens := fakeTokenProvider{token: models.Token{Token: "t", ExpiresAt: time.Now().Add(time.Minute)}}
	mqtt := fakeMQTTReporter{connected: true}

	c := NewCollector(syncer, tokens, mqtt, time.Hour)
	c.RegisterCache("config_instances", fakeSizer{size: 42})

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	time.Sleep(50 * time.Millisecond)

	if got := testutil.ToFloat64(CacheEntries.WithLabelValues("config_instances")); got != 42 {
		t.Errorf("got cache entries %v, want 42", got)
	}
	if got := testutil.ToFloat64(SyncErrStreak); got != 2 {
		t.Errorf("got sync error streak %v, want 2", got)
	}
	if got := testutil.ToFloat64(MQTTConnected); got != 1 {
		t.Errorf("got mqtt connected %v, want 1", got)
	}
	if got := testutil.ToFloat64(TokenSecondsUntilExpiry); got <= 0 {
		t.Errorf("got token seconds until expiry %v, want positive", got)
	}
}

func TestCollectorObservesSyncEvents(t *testing.T) {
	syncer := &fakeSyncObservable{subCh: make(syncpkg.Subscriber, 4)}
	c := NewCollector(syncer, fakeTokenProvider{}, nil, time.Hour)

	before := testutil.ToFloat64(SyncPassesTotal.WithLabelValues("success"))

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	syncer.subCh <- syncpkg.SyncEvent{Kind: syncpkg.EventSyncSuccess}
	time.Sleep(50 * time.Millisecond)

	after := testutil.ToFloat64(SyncPassesTotal.WithLabelValues("success"))
	if after != before+1 {
		t.Errorf("got %v success passes, want %v", after, before+1)
	}
}

func TestPruneObserverRecordsOutcome(t *testing.T) {
	c := NewCollector(&fakeSyncObservable{}, fakeTokenProvider{}, nil, time.Hour)
	observer := c.PruneObserver()

	before := testutil.ToFloat64(CachePruneTotal.WithLabelValues("config_schemas", "success"))
	observer("config_schemas", nil)
	after := testutil.ToFloat64(CachePruneTotal.WithLabelValues("config_schemas", "success"))
	if after != before+1 {
		t.Errorf("got %v successful prunes, want %v", after, before+1)
	}

	beforeFailed := testutil.ToFloat64(CachePruneTotal.WithLabelValues("config_schemas", "failed"))
	observer("config_schemas", errors.New("boom"))
	afterFailed := testutil.ToFloat64(CachePruneTotal.WithLabelValues("config_schemas", "failed"))
	if afterFailed != beforeFailed+1 {
		t.Errorf("got %v failed prunes, want %v", afterFailed, beforeFailed+1)
	}
}
