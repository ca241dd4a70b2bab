package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/osusync/pbt-server/internal/proto"
)

func TestAdmitNewUserCreatesIdentity(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo", MAC: "aa:bb", HWID: "hw-1"})

	if s.UID != 100 {
		t.Fatalf("expected resolved uid 100, got %d", s.UID)
	}
	if !b.Registry().IsOnline("foo") {
		t.Fatal("admitted session must be online")
	}

	id, err := b.store.GetByName(context.Background(), "Foo")
	if err != nil {
		t.Fatalf("identity row must exist after admission: %v", err)
	}
	if id.UID != 100 || id.FirstLoginMS != b.clock.Now().UnixMilli() {
		t.Fatalf("unexpected identity row: %+v", id)
	}
	if id.MAC == "aa:bb" {
		t.Fatal("mac must be stored as a digest, not raw")
	}

	if line, ok := b.peer.lastLineTo("Foo"); !ok || line != "welcome to the bridge" {
		t.Fatalf("expected welcome line over IRC, got %q", line)
	}
	f := mustFrame(t, s, proto.KindNotice)
	if !strings.Contains(f.Text, "3 messages per minute") {
		t.Fatalf("expected quota notice, got %q", f.Text)
	}
}

func TestAdmitCanonicalizesClaimedName(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "  Bar  Baz "})

	if s.Name != "Bar_Baz" {
		t.Fatalf("expected canonical name Bar_Baz, got %q", s.Name)
	}
	if !b.Registry().IsOnline("bar_baz") {
		t.Fatal("canonical name must be the presence key")
	}
}

func TestAdmitRejectsBadMetadata(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	_, err := b.Admit(ctx, Metadata{ClaimedName: "   "})
	mustRejection(t, err, CodeBadMetadata)

	_, err = b.Admit(ctx, Metadata{ClaimedName: "#osu"})
	mustRejection(t, err, CodeBadMetadata)

	_, err = b.Admit(ctx, Metadata{ClaimedName: "mikirasora"})
	mustRejection(t, err, CodeBadMetadata)
}

func TestAdmitRejectsUnknownUser(t *testing.T) {
	b := newTestBridge(t)
	_, err := b.Admit(context.Background(), Metadata{ClaimedName: "Nobody"})
	mustRejection(t, err, CodeUnknownUser)
}

func TestAdmitRejectsDuplicateSession(t *testing.T) {
	b := newTestBridge(t)
	mustAdmit(t, b, Metadata{ClaimedName: "Foo"})
	b.clock.Advance(time.Minute)

	_, err := b.Admit(context.Background(), Metadata{ClaimedName: "FOO"})
	rej := mustRejection(t, err, CodeDuplicate)
	if !strings.Contains(rej.Message, "!logout") {
		t.Fatalf("duplicate rejection must point at !logout, got %q", rej.Message)
	}
	if b.Registry().Len() != 1 {
		t.Fatalf("duplicate admission must not disturb the live session, len=%d", b.Registry().Len())
	}
}

func TestAdmitRedirectNotice(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo", Redirected: true})

	f := mustFrame(t, s, proto.KindNotice)
	if f.Text != "bot redirect is active" {
		t.Fatalf("expected redirect notice first, got %q", f.Text)
	}
}

func TestLoginCooldownBans(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})
	b.HandleClose(s)

	b.clock.Advance(5 * time.Second)
	_, err := b.Admit(ctx, Metadata{ClaimedName: "Foo"})
	rej := mustRejection(t, err, CodeCooldown)
	if !strings.Contains(rej.Message, "restricted") {
		t.Fatalf("cooldown rejection must carry the restriction line, got %q", rej.Message)
	}
	if line, ok := b.peer.lastLineTo("Foo"); !ok || !strings.Contains(line, "restricted") {
		t.Fatalf("restriction must also be announced over IRC, got %q", line)
	}

	// The cooldown opened a real ban window.
	b.clock.Advance(time.Minute)
	_, err = b.Admit(ctx, Metadata{ClaimedName: "Foo"})
	mustRejection(t, err, CodeBanned)
}

func TestBanWindowBoundary(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo", MAC: "aa:bb", HWID: "hw-1"})
	if err := b.BanUser(ctx, "Foo", 10*time.Minute); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatal("ban must evict the live session")
	}

	b.clock.Advance(10*time.Minute - time.Second)
	_, err := b.Admit(ctx, Metadata{ClaimedName: "Foo", MAC: "aa:bb", HWID: "hw-1"})
	mustRejection(t, err, CodeBanned)

	b.clock.Advance(2 * time.Second)
	s2, err := b.Admit(ctx, Metadata{ClaimedName: "Foo", MAC: "aa:bb", HWID: "hw-1"})
	if err != nil {
		t.Fatalf("admission must succeed once the window elapsed: %v", err)
	}
	if s2.Name != "Foo" {
		t.Fatalf("unexpected session name %q", s2.Name)
	}

	// The elapsed window was cleared lazily on the way in.
	id, err := b.store.GetByUID(ctx, 100)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if id.Banned {
		t.Fatal("elapsed ban flag must be cleared during admission")
	}
}

func TestBanMatchesSharedFingerprint(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	mustAdmit(t, b, Metadata{ClaimedName: "Foo", MAC: "shared-mac", HWID: "hw-1"})
	if err := b.BanUser(ctx, "Foo", time.Hour); err != nil {
		t.Fatalf("ban: %v", err)
	}

	// A different account on the same machine is caught by the mac match.
	b.clock.Advance(time.Minute)
	_, err := b.Admit(ctx, Metadata{ClaimedName: "Neighbor", MAC: "shared-mac", HWID: "hw-2"})
	mustRejection(t, err, CodeBanned)

	// A clean machine is not.
	if _, err := b.Admit(ctx, Metadata{ClaimedName: "Neighbor", MAC: "other-mac", HWID: "hw-2"}); err != nil {
		t.Fatalf("clean machine must be admitted: %v", err)
	}
}

func TestHeartbeatGetsAcked(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})
	drainFrames(s)

	b.HandleFrame(s, proto.Frame{Kind: proto.KindHeartbeat})
	mustFrame(t, s, proto.KindHeartbeatAck)
}

func TestChatRelayAndQuota(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})
	drainFrames(s)

	for i := 0; i < 3; i++ {
		b.HandleFrame(s, proto.Frame{Kind: proto.KindChat, Text: "hello"})
	}
	if got := len(b.peer.lines()); got != 4 { // welcome + 3 relayed
		t.Fatalf("expected 3 relayed lines after the welcome, got %d total", got)
	}

	// The fourth message in the window is dropped with a warning.
	b.HandleFrame(s, proto.Frame{Kind: proto.KindChat, Text: "too fast"})
	if got := len(b.peer.lines()); got != 4 {
		t.Fatalf("over-quota message must not reach IRC, got %d lines", got)
	}
	warn := mustFrame(t, s, proto.KindChat)
	if !strings.Contains(warn.Text, "too often") {
		t.Fatalf("expected throttle warning, got %q", warn.Text)
	}

	// A new window opens after the minute elapses.
	b.clock.Advance(61 * time.Second)
	b.HandleFrame(s, proto.Frame{Kind: proto.KindChat, Text: "back again"})
	if line, ok := b.peer.lastLineTo("Foo"); !ok || line != "back again" {
		t.Fatalf("expected relay to resume, got %q", line)
	}
}

func TestChatNewlinesAreFlattened(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})

	b.HandleFrame(s, proto.Frame{Kind: proto.KindChat, Text: "line one\r\nline two"})
	if line, ok := b.peer.lastLineTo("Foo"); !ok || line != "line one  line two" {
		t.Fatalf("newlines must be flattened before relay, got %q", line)
	}
}

func TestDeliverFromChatRoutesToSession(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})
	drainFrames(s)

	b.DeliverFromChat(context.Background(), "foo", "hi from irc")
	f := mustFrame(t, s, proto.KindChat)
	if f.Text != "hi from irc" {
		t.Fatalf("expected irc text relayed, got %q", f.Text)
	}
}

func TestDeliverFromChatIgnoresOfflineAndSelf(t *testing.T) {
	b := newTestBridge(t)

	// Nothing online: the message is dropped without a reply.
	b.DeliverFromChat(context.Background(), "Foo", "anyone there")
	if lines := b.peer.lines(); len(lines) != 0 {
		t.Fatalf("offline delivery must be silent, got %v", lines)
	}

	// Echoes of the bot's own nick are ignored.
	b.DeliverFromChat(context.Background(), "MikiraSora", "!logout")
	if lines := b.peer.lines(); len(lines) != 0 {
		t.Fatalf("self messages must be ignored, got %v", lines)
	}
}

func TestLogoutCommandOverIRC(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})

	b.DeliverFromChat(context.Background(), "Foo", "!logout")

	if s.State() != StateClosed {
		t.Fatal("logout must close the session")
	}
	if line, ok := b.peer.lastLineTo("Foo"); !ok || line != "Logout success!" {
		t.Fatalf("expected logout confirmation, got %q", line)
	}
	if b.Registry().IsOnline("Foo") {
		t.Fatal("logged out session must be gone from the registry")
	}
}

func TestSweepIdleEvictsQuietSessions(t *testing.T) {
	b := newTestBridge(t)
	quiet := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})
	b.clock.Advance(time.Minute)
	chatty := mustAdmit(t, b, Metadata{ClaimedName: "Bar_Baz"})

	// Heartbeats alone do not keep a session alive.
	b.clock.Advance(29 * time.Minute)
	b.HandleFrame(quiet, proto.Frame{Kind: proto.KindHeartbeat})
	b.HandleFrame(chatty, proto.Frame{Kind: proto.KindChat, Text: "still here"})

	b.clock.Advance(2 * time.Minute)
	b.SweepIdle()

	if b.Registry().IsOnline("Foo") {
		t.Fatal("idle session must be swept despite heartbeats")
	}
	if !b.Registry().IsOnline("Bar_Baz") {
		t.Fatal("chatting session must survive the sweep")
	}
	if quiet.State() != StateClosed {
		t.Fatal("swept session must be closed")
	}
	reason, kind := quiet.CloseReason()
	if kind != CloseNormal || !strings.Contains(reason, "forced you to go offline") {
		t.Fatalf("unexpected close %q/%v", reason, kind)
	}
}

func TestHandleCloseNotifiesIRCOnce(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})

	b.HandleClose(s)
	if line, ok := b.peer.lastLineTo("Foo"); !ok || !strings.Contains(line, "disconnected") {
		t.Fatalf("expected disconnect notice over IRC, got %q", line)
	}

	before := len(b.peer.lines())
	b.HandleClose(s)
	if len(b.peer.lines()) != before {
		t.Fatal("second close must be a no-op")
	}
}

func TestEvictDoesNotNotifyIRC(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})
	before := len(b.peer.lines())

	b.Evict(s, "kicked", ClosePolicy)
	if len(b.peer.lines()) != before {
		t.Fatal("server-side eviction must not announce a disconnect")
	}
	// The transport reporting the socket gone afterwards changes nothing.
	b.HandleClose(s)
	if len(b.peer.lines()) != before {
		t.Fatal("close after eviction must stay silent")
	}
}

func TestTokenExchange(t *testing.T) {
	b := newTestBridge(t)
	s := mustAdmit(t, b, Metadata{ClaimedName: "Foo"})
	drainFrames(s)

	b.HandleFrame(s, proto.Frame{Kind: proto.KindCommand, Code: proto.CodeTokenRequest})
	if line, ok := b.peer.lastLineTo("Foo"); !ok || !strings.Contains(line, "!assign_token") {
		t.Fatalf("token request must prompt over IRC, got %q", line)
	}

	// Repeat requests inside the await window stay silent.
	before := len(b.peer.lines())
	b.HandleFrame(s, proto.Frame{Kind: proto.KindCommand, Code: proto.CodeTokenRequest})
	if len(b.peer.lines()) != before {
		t.Fatal("repeated token request must be ignored inside the window")
	}

	token, err := b.AssignToken("Foo")
	if err != nil {
		t.Fatalf("assign token: %v", err)
	}
	reply := mustFrame(t, s, proto.KindCommand)
	if reply.Code != proto.CodeTokenReply {
		t.Fatalf("expected token reply code, got %d", reply.Code)
	}
	if !strings.Contains(string(reply.Payload), token) {
		t.Fatal("reply payload must carry the token")
	}

	if !b.ValidateAPIToken("foo", token) {
		t.Fatal("issued token must validate for the session name")
	}
	if b.ValidateAPIToken("Bar_Baz", token) {
		t.Fatal("token must not validate for another name")
	}

	if _, err := b.AssignToken("Foo"); err == nil {
		t.Fatal("second assignment must be refused")
	}

	// Disconnect drops the token.
	b.HandleClose(s)
	if b.ValidateAPIToken("Foo", token) {
		t.Fatal("token must die with the session")
	}
}

func TestAssignTokenRequiresOnlineSession(t *testing.T) {
	b := newTestBridge(t)
	if _, err := b.AssignToken("Foo"); err == nil {
		t.Fatal("assignment without a session must fail")
	}
}
