package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/alerting"
	"pricewatch/internal/storage"
)

// scriptedStore returns the scripted states in order, repeating the last one.
type scriptedStore struct {
	mu     sync.Mutex
	states []storage.RelayState
	loads  int
	saved  []storage.RelayState
	image  []byte
}

func (s *scriptedStore) LoadRelayState(ctx context.Context) (storage.RelayState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if len(s.states) == 0 {
		return storage.RelayState{}, storage.ErrNotFound
	}
	state := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return state, nil
}

func (s *scriptedStore) SaveRelayState(ctx context.Context, state storage.RelayState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, state)
	s.states = []storage.RelayState{state}
	return nil
}

func (s *scriptedStore) LoadImage(ctx context.Context) ([]byte, error) {
	if s.image == nil {
		return nil, storage.ErrNotFound
	}
	return s.image, nil
}

func (s *scriptedStore) SaveImage(ctx context.Context, image []byte) error {
	s.image = image
	return nil
}

type forwarded struct {
	chatID  string
	caption string
	image   []byte
}

type chanSender struct {
	mu   sync.Mutex
	sent []forwarded
	done chan struct{}
	want int
}

func (c *chanSender) Send(ctx context.Context, chatID, caption string, image []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, forwarded{chatID: chatID, caption: caption, image: image})
	if len(c.sent) == c.want {
		close(c.done)
	}
	return nil
}

func runUntilSent(t *testing.T, r *Relay, sender *chanSender) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not forward in time")
	}
	cancel()
	return <-errCh
}

func TestRelayForwardsChangeOnce(t *testing.T) {
	unchanged := storage.RelayState{Message: "", Time: 100}
	store := &scriptedStore{
		states: []storage.RelayState{
			unchanged, // startup check
			unchanged, // baseline
			unchanged, unchanged, unchanged,
			{Message: "#BTC/USDT +2.50%", Time: 200},
		},
		image: []byte("png"),
	}
	sender := &chanSender{done: make(chan struct{}), want: 2}

	r, err := New(store, sender, []string{"a", "b"}, Options{
		PollInterval: time.Millisecond,
		Cooldown:     time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)

	err = runUntilSent(t, r, sender)
	assert.True(t, errors.Is(err, context.Canceled))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2)
	for _, msg := range sender.sent {
		assert.Equal(t, "#BTC/USDT +2.50%", msg.caption)
		assert.Equal(t, []byte("png"), msg.image)
	}
	assert.Equal(t, 6, store.loads, "three unchanged polls precede the change")
	assert.Empty(t, store.saved, "an existing state is not reinitialised")
}

func TestRelayInitialisesMissingState(t *testing.T) {
	store := &scriptedStore{}
	sender := &chanSender{done: make(chan struct{}), want: 1}
	now := time.Unix(1700000000, 0)

	r, err := New(store, sender, []string{"a"}, Options{
		PollInterval: time.Millisecond,
		Cooldown:     time.Hour,
		Now:          func() time.Time { return now },
	}, zerolog.Nop())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.SaveRelayState(context.Background(), storage.RelayState{Message: "first alert", Time: now.Unix() + 1})
	}()

	_ = runUntilSent(t, r, sender)

	require.NotEmpty(t, store.saved)
	assert.Equal(t, storage.RelayState{Message: "", Time: now.Unix()}, store.saved[0])

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "first alert", sender.sent[0].caption)
	assert.Nil(t, sender.sent[0].image, "a missing image forwards text only")
}

func TestNewRequiresRecipients(t *testing.T) {
	_, err := New(&scriptedStore{}, &chanSender{}, nil, Options{}, zerolog.Nop())
	assert.ErrorIs(t, err, alerting.ErrNoRecipients)
}

// memStore is a mutable in-memory mailbox.
type memStore struct {
	mu    sync.Mutex
	state storage.RelayState
}

func (m *memStore) set(state storage.RelayState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *memStore) LoadRelayState(ctx context.Context) (storage.RelayState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memStore) SaveRelayState(ctx context.Context, state storage.RelayState) error {
	m.set(state)
	return nil
}

func (m *memStore) LoadImage(ctx context.Context) ([]byte, error) { return nil, storage.ErrNotFound }

func (m *memStore) SaveImage(ctx context.Context, image []byte) error { return nil }

type timedSender struct {
	mu   sync.Mutex
	sent []string
	at   []time.Time
	ch   chan string
}

func (s *timedSender) Send(ctx context.Context, chatID, caption string, image []byte) error {
	s.mu.Lock()
	s.sent = append(s.sent, caption)
	s.at = append(s.at, time.Now())
	s.mu.Unlock()
	s.ch <- caption
	return nil
}

func (s *timedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestRelayCoalescesAlertsDuringCooldown(t *testing.T) {
	const cooldown = 60 * time.Millisecond

	store := &memStore{state: storage.RelayState{Time: 100}}
	sender := &timedSender{ch: make(chan string, 8)}
	r, err := New(store, sender, []string{"a"}, Options{
		PollInterval: 2 * time.Millisecond,
		Cooldown:     cooldown,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	store.set(storage.RelayState{Message: "first", Time: 200})
	select {
	case got := <-sender.ch:
		require.Equal(t, "first", got)
	case <-time.After(time.Second):
		t.Fatal("first alert not relayed")
	}

	// Both land inside the cooldown and become the new baseline afterwards.
	store.set(storage.RelayState{Message: "during-1", Time: 201})
	store.set(storage.RelayState{Message: "during-2", Time: 202})
	time.Sleep(cooldown / 2)
	assert.Equal(t, 1, sender.count(), "nothing is relayed during the cooldown")

	time.Sleep(cooldown)
	assert.Equal(t, 1, sender.count(), "alerts from the cooldown window are missed")

	store.set(storage.RelayState{Message: "after", Time: 300})
	select {
	case got := <-sender.ch:
		assert.Equal(t, "after", got)
	case <-time.After(time.Second):
		t.Fatal("alert after the cooldown not relayed")
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, []string{"first", "after"}, sender.sent)
	assert.GreaterOrEqual(t, sender.at[1].Sub(sender.at[0]), cooldown)
}
