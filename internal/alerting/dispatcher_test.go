package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/retry"
	"pricewatch/internal/storage"
)

type sentMessage struct {
	chatID  string
	caption string
	image   []byte
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	attempts map[string]int
	failFor  map[string]int // chat -> number of failures before success
}

func (f *fakeSender) Send(ctx context.Context, chatID, caption string, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[chatID]++
	if f.failFor[chatID] > 0 {
		f.failFor[chatID]--
		return errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, caption: caption, image: image})
	return nil
}

func TestDispatchPersistsAndDeliversBestEffort(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	sender := &fakeSender{failFor: map[string]int{"bad": 100, "flaky": 2}}
	now := time.Unix(1700000000, 0)
	d := NewDispatcher(sender, store, DispatcherOptions{
		Recipients:       []string{"bad", "flaky", "good"},
		DeliveryAttempts: 5,
		Retry:            retry.Immediate(3),
		Now:              func() time.Time { return now },
	}, testLogger())

	err = d.Dispatch(context.Background(), Alert{Instrument: "BTC/USDT", Message: "#BTC +2.50%", Image: []byte("png")})
	require.NoError(t, err)

	assert.Equal(t, 5, sender.attempts["bad"], "a failing recipient gets exactly 5 attempts")
	assert.Equal(t, 3, sender.attempts["flaky"])
	assert.Equal(t, 1, sender.attempts["good"])
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "good", sender.sent[1].chatID)
	assert.Equal(t, []byte("png"), sender.sent[1].image)

	state, err := store.LoadRelayState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.RelayState{Message: "#BTC +2.50%", Time: 1700000000}, state)
	image, err := store.LoadImage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), image)
}

func TestDispatchTimestampsStrictlyIncrease(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	d := NewDispatcher(&fakeSender{}, store, DispatcherOptions{Now: func() time.Time { return now }}, testLogger())

	var last int64
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background(), Alert{Message: "same second"}))
		state, err := store.LoadRelayState(context.Background())
		require.NoError(t, err)
		assert.Greater(t, state.Time, last)
		last = state.Time
	}
	assert.Equal(t, int64(1700000002), last)
}

type brokenRelay struct {
	storage.RelayStore
	saves int
}

func (b *brokenRelay) SaveImage(ctx context.Context, image []byte) error {
	b.saves++
	return errors.New("disk full")
}

func TestDispatchBoundedPersistenceStillDelivers(t *testing.T) {
	relay := &brokenRelay{}
	sender := &fakeSender{}
	d := NewDispatcher(sender, relay, DispatcherOptions{Recipients: []string{"a"}, Retry: retry.Immediate(4)}, testLogger())

	err := d.Dispatch(context.Background(), Alert{Message: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 4, relay.saves)
	assert.Len(t, sender.sent, 1, "delivery does not depend on persistence")
}

func TestAnnounceSendsText(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, nil, DispatcherOptions{Recipients: []string{"1", "2"}}, testLogger())
	d.Announce(context.Background(), "Binance watcher started")

	require.Len(t, sender.sent, 2)
	for _, msg := range sender.sent {
		assert.Equal(t, "Binance watcher started", msg.caption)
		assert.Nil(t, msg.image)
	}
}

// gatedRelay blocks the first image write until release is closed.
type gatedRelay struct {
	mu      sync.Mutex
	state   storage.RelayState
	image   []byte
	writes  int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRelay) LoadRelayState(ctx context.Context) (storage.RelayState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Time == 0 {
		return storage.RelayState{}, storage.ErrNotFound
	}
	return g.state, nil
}

func (g *gatedRelay) SaveRelayState(ctx context.Context, state storage.RelayState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
	return nil
}

func (g *gatedRelay) LoadImage(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.image, nil
}

func (g *gatedRelay) SaveImage(ctx context.Context, image []byte) error {
	g.mu.Lock()
	g.writes++
	first := g.writes == 1
	g.image = image
	g.mu.Unlock()

	if first {
		close(g.entered)
		<-g.release
	}
	return nil
}

func TestConcurrentDispatchKeepsCaptionAndImagePaired(t *testing.T) {
	relay := &gatedRelay{entered: make(chan struct{}), release: make(chan struct{})}
	now := time.Unix(1700000000, 0)
	d := NewDispatcher(&fakeSender{}, relay, DispatcherOptions{Now: func() time.Time { return now }}, testLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = d.Dispatch(context.Background(), Alert{Exchange: "binance", Message: "A", Image: []byte("chart-A")})
	}()
	<-relay.entered

	go func() {
		defer wg.Done()
		_ = d.Dispatch(context.Background(), Alert{Exchange: "bybit", Message: "B", Image: []byte("chart-B")})
	}()
	// Give the second alert time to race ahead if nothing holds it back.
	time.Sleep(50 * time.Millisecond)
	close(relay.release)
	wg.Wait()

	state, err := relay.LoadRelayState(context.Background())
	require.NoError(t, err)
	image, err := relay.LoadImage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "chart-"+state.Message, string(image))
	assert.Equal(t, "B", state.Message, "the later alert owns the mailbox")
	assert.Equal(t, int64(1700000001), state.Time)
}
