package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/osusync/pbt-server/internal/auth"
	"github.com/osusync/pbt-server/internal/proto"
	"github.com/osusync/pbt-server/internal/store/sqlite"
)

// fakePeer records outbound IRC lines instead of talking to Bancho.
type fakePeer struct {
	mu        sync.Mutex
	sent      []sentLine
	connected bool
}

type sentLine struct {
	To   string
	Text string
}

func (p *fakePeer) SendTo(name, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentLine{To: name, Text: text})
}

func (p *fakePeer) Connected() bool { return p.connected }

func (p *fakePeer) lines() []sentLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sentLine, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *fakePeer) lastLineTo(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.sent) - 1; i >= 0; i-- {
		if p.sent[i].To == name {
			return p.sent[i].Text, true
		}
	}
	return "", false
}

// fakeResolver resolves from a fixed name -> uid table.
type fakeResolver struct {
	users map[string]int64 // canonical name -> uid
}

func (r *fakeResolver) Resolve(_ context.Context, name string) (int64, string, error) {
	for canonical, uid := range r.users {
		if Fold(canonical) == Fold(name) {
			return uid, canonical, nil
		}
	}
	return 0, "", fmt.Errorf("user %q not found", name)
}

type testBridge struct {
	*Bridge
	peer     *fakePeer
	resolver *fakeResolver
	clock    *fakeClock
}

// fakeClock lets tests move admission and quota time manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	resolver := &fakeResolver{users: map[string]int64{
		"Foo":      100,
		"Bar_Baz":  200,
		"Renamed":  300,
		"Neighbor": 400,
	}}
	peer := &fakePeer{connected: true}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	logger := zerolog.Nop()
	b := NewBridge(BridgeConfig{
		BotName:              "MikiraSora",
		WelcomeMessage:       "welcome to the bridge",
		RedirectNotice:       "bot redirect is active",
		MaxMessagesPerMinute: 3,
		HeartbeatTimeout:     time.Hour,
		IdleTimeout:          30 * time.Minute,
		SweepInterval:        time.Minute,
		LoginCooldown:        10 * time.Second,
		CooldownBanDuration:  10 * time.Minute,
		ForeverBanDuration:   100 * 365 * 24 * time.Hour,
		Token: auth.TokenConfig{
			Secret: []byte("test-secret"),
			Issuer: "MikiraSora",
			TTL:    time.Hour,
		},
	}, st, resolver, &logger)
	b.SetPeer(peer)
	b.now = clock.Now

	return &testBridge{Bridge: b, peer: peer, resolver: resolver, clock: clock}
}

func mustAdmit(t *testing.T, b *testBridge, meta Metadata) *Session {
	t.Helper()
	s, err := b.Admit(context.Background(), meta)
	if err != nil {
		t.Fatalf("admit %q: %v", meta.ClaimedName, err)
	}
	return s
}

func mustRejection(t *testing.T, err error, code string) *Rejection {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rejection %s, got nil", code)
	}
	rej, ok := err.(*Rejection)
	if !ok {
		t.Fatalf("expected *Rejection, got %T: %v", err, err)
	}
	if rej.Code != code {
		t.Fatalf("expected rejection code %s, got %s (%s)", code, rej.Code, rej.Message)
	}
	return rej
}

// drainFrames empties the session's outbound queue so a test can assert on
// what a later step enqueues.
func drainFrames(s *Session) {
	for {
		select {
		case <-s.Out():
		default:
			return
		}
	}
}

func mustFrame(t *testing.T, s *Session, kind proto.FrameKind) proto.Frame {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case f := <-s.Out():
			if f.Kind == kind {
				return f
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected frame kind %v not received", kind)
	return proto.Frame{}
}
