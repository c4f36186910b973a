package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpdesk/perpdesk/internal/domain"
)

// fakeQuotes counts fetches so tests can observe the polling loop.
type fakeQuotes struct {
	mu     sync.Mutex
	quotes []domain.PriceQuote
	calls  int
}

func (f *fakeQuotes) Quotes(ctx context.Context) ([]domain.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.quotes, nil
}

func (f *fakeQuotes) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakePositions counts fetches per owner.
type fakePositions struct {
	mu      sync.Mutex
	fetches map[string]int
}

func newFakePositions() *fakePositions {
	return &fakePositions{fetches: make(map[string]int)}
}

func (f *fakePositions) GetOpenPositions(ctx context.Context, ownerID string) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[ownerID]++
	return []domain.Position{{ID: "pos-" + ownerID, OwnerID: ownerID, Status: domain.PositionStatusOpen}}, nil
}

func newTestHub(positions PositionSource) *Hub {
	return NewHub(
		&fakeQuotes{quotes: []domain.PriceQuote{{Asset: "SOL-PERP", Price: 160}}},
		positions,
		nil,
		nil,
		[]string{"SOL-PERP"},
		Config{PriceInterval: time.Second, PositionInterval: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func addClient(h *Hub, owner string) *client {
	c := &client{hub: h, send: make(chan []byte, sendBufferSize), ownerID: owner}
	h.clients[c] = true
	return c
}

func decodeEnvelope(t *testing.T, raw []byte) (string, json.RawMessage) {
	t.Helper()
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg.Type, msg.Payload
}

func TestPushPositionsFetchesOncePerOwner(t *testing.T) {
	positions := newFakePositions()
	h := newTestHub(positions)

	// Two connections registered to the same owner, one to another, one
	// anonymous.
	c1 := addClient(h, "owner-1")
	c2 := addClient(h, "owner-1")
	c3 := addClient(h, "owner-2")
	anon := addClient(h, "")

	h.pushPositions(context.Background())

	assert.Equal(t, 1, positions.fetches["owner-1"], "one fetch per distinct owner per tick")
	assert.Equal(t, 1, positions.fetches["owner-2"])

	for _, c := range []*client{c1, c2} {
		select {
		case raw := <-c.send:
			msgType, payload := decodeEnvelope(t, raw)
			assert.Equal(t, "positionUpdate", msgType)
			var got []domain.Position
			require.NoError(t, json.Unmarshal(payload, &got))
			require.Len(t, got, 1)
			assert.Equal(t, "owner-1", got[0].OwnerID)
		default:
			t.Fatal("expected a position update for owner-1 connection")
		}
	}

	select {
	case raw := <-c3.send:
		_, payload := decodeEnvelope(t, raw)
		var got []domain.Position
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, "owner-2", got[0].OwnerID)
	default:
		t.Fatal("expected a position update for owner-2 connection")
	}

	select {
	case <-anon.send:
		t.Fatal("anonymous connection must not receive position updates")
	default:
	}
}

func TestPositionUpdateCarriesOwner(t *testing.T) {
	h := newTestHub(newFakePositions())
	c := addClient(h, "owner-1")

	h.pushPositions(context.Background())

	var msg struct {
		Type    string `json:"type"`
		OwnerID string `json:"ownerId"`
	}
	select {
	case raw := <-c.send:
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "positionUpdate", msg.Type)
		assert.Equal(t, "owner-1", msg.OwnerID)
	default:
		t.Fatal("expected a position update")
	}
}

func TestPriceLoopFetchesWithoutClients(t *testing.T) {
	quotes := &fakeQuotes{quotes: []domain.PriceQuote{{Asset: "SOL-PERP", Price: 160}}}
	h := NewHub(
		quotes,
		newFakePositions(),
		nil,
		nil,
		[]string{"SOL-PERP"},
		Config{PriceInterval: 5 * time.Millisecond, PositionInterval: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.priceLoop(ctx)

	// No clients are connected; the loop must still poll so the quote cache
	// stays warm for HTTP readers.
	require.Eventually(t, func() bool {
		return quotes.callCount() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastAllReachesEveryClient(t *testing.T) {
	h := newTestHub(newFakePositions())
	c1 := addClient(h, "owner-1")
	c2 := addClient(h, "")

	msg, err := marshalMessage("priceUpdate", []domain.PriceQuote{{Asset: "SOL-PERP", Price: 160}})
	require.NoError(t, err)
	h.broadcastAll(msg)

	for _, c := range []*client{c1, c2} {
		select {
		case raw := <-c.send:
			msgType, _ := decodeEnvelope(t, raw)
			assert.Equal(t, "priceUpdate", msgType)
		default:
			t.Fatal("expected a price update on every connection")
		}
	}
}

func TestClearOwnerStopsPositionPushes(t *testing.T) {
	positions := newFakePositions()
	h := newTestHub(positions)
	c := addClient(h, "owner-1")

	c.setOwner("")
	h.pushPositions(context.Background())

	assert.Zero(t, positions.fetches["owner-1"])
	select {
	case <-c.send:
		t.Fatal("cleared connection must not receive position updates")
	default:
	}
}

func TestSlowClientDropsInsteadOfBlocking(t *testing.T) {
	h := newTestHub(newFakePositions())
	c := &client{hub: h, send: make(chan []byte, 1)}
	h.clients[c] = true

	h.broadcastAll([]byte(`{"type":"priceUpdate"}`))
	h.broadcastAll([]byte(`{"type":"priceUpdate"}`))

	// The second message is dropped; the channel holds exactly one.
	assert.Len(t, c.send, 1)
}
