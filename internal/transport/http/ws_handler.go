package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/osusync/pbt-server/internal/core"
	"github.com/osusync/pbt-server/internal/proto"
)

// Cookie and header names of the Sync handshake.
const (
	cookieTargetName = "transfer_target_name"
	cookieMAC        = "mac"
	cookieHWID       = "hwid"
	headerRedirect   = "botredirectfrom"
)

// closeReasonLimit is the longest reason a websocket close frame can carry.
const closeReasonLimit = 123

// WSHandler upgrades Sync connections and bridges them to core sessions.
type WSHandler struct {
	bridge *core.Bridge
	log    *zerolog.Logger
}

// NewWSHandler builds the websocket endpoint handler.
func NewWSHandler(bridge *core.Bridge, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{bridge: bridge, log: logger}
}

func metadataFromRequest(r *stdhttp.Request) core.Metadata {
	meta := core.Metadata{}
	if c, err := r.Cookie(cookieTargetName); err == nil {
		meta.ClaimedName = c.Value
	}
	if c, err := r.Cookie(cookieMAC); err == nil {
		meta.MAC = c.Value
	}
	if c, err := r.Cookie(cookieHWID); err == nil {
		meta.HWID = c.Value
	}
	meta.Redirected = r.Header.Get(headerRedirect) != ""
	return meta
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	meta := metadataFromRequest(r)

	// Metadata checks that need no store access run before the upgrade.
	if rej := h.bridge.PrecheckName(meta.ClaimedName); rej != nil {
		h.log.Warn().Str("name", meta.ClaimedName).Str("code", rej.Code).Msg("handshake refused")
		stdhttp.Error(w, rej.Message, stdhttp.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}

	sess, err := h.bridge.Admit(r.Context(), meta)
	if err != nil {
		var rej *core.Rejection
		reason := "admission failed"
		if errors.As(err, &rej) {
			reason = rej.Message
		}
		h.log.Info().Str("name", meta.ClaimedName).Str("reason", reason).Msg("admission rejected")
		conn.Close(websocket.StatusPolicyViolation, clipReason(reason))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, sess)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, sess)
	}()

	err = <-errCh
	cancel() // stop the other pump
	<-errCh

	h.bridge.HandleClose(sess)

	reason, kind := sess.CloseReason()
	status := websocket.StatusNormalClosure
	if kind == core.ClosePolicy {
		status = websocket.StatusPolicyViolation
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		if s := websocket.CloseStatus(err); s == -1 {
			h.log.Warn().Err(err).Str("name", sess.Name).Msg("ws connection closed with error")
		}
	}
	conn.Close(status, clipReason(reason))
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *core.Session) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.MessageText:
			h.bridge.HandleFrame(sess, proto.DecodeText(data))
		case websocket.MessageBinary:
			f, err := proto.DecodeBinary(data)
			if err != nil {
				h.log.Warn().Err(err).Str("name", sess.Name).Msg("bad binary frame")
				continue
			}
			h.bridge.HandleFrame(sess, f)
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *core.Session) error {
	for {
		select {
		case f := <-sess.Out():
			msgType := websocket.MessageText
			data := proto.EncodeText(f)
			if f.Binary() {
				msgType = websocket.MessageBinary
				data = proto.EncodeBinary(f)
			}
			if err := conn.Write(ctx, msgType, data); err != nil {
				return err
			}
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func clipReason(reason string) string {
	if len(reason) > closeReasonLimit {
		return reason[:closeReasonLimit]
	}
	return reason
}
