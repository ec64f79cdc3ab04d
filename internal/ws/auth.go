package ws

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/schema"
)

const (
	// authSignPayload is the verb+path the exchange expects the expiry to be
	// signed against for websocket authentication.
	authSignPayload = "GET/realtime"

	defaultAuthExpiryWindow = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Authenticator performs the private-channel handshake: it signs an expiring
// challenge with the account secret and blocks until the exchange confirms.
type Authenticator struct {
	key    string
	secret string
	window time.Duration
	now    func() time.Time
}

// NewAuthenticator builds an authenticator for the given credentials.
func NewAuthenticator(key, secret string) *Authenticator {
	return &Authenticator{
		key:    key,
		secret: secret,
		window: defaultAuthExpiryWindow,
		now:    time.Now,
	}
}

// Request builds the auth operation for the current clock.
func (a *Authenticator) Request() operation {
	expires := a.now().Add(a.window).UnixMilli()
	return operation{
		ReqID: uuid.NewString(),
		Op:    "auth",
		Args:  []any{a.key, expires, a.sign(expires)},
	}
}

func (a *Authenticator) sign(expires int64) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(authSignPayload + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Handshake sends the signed challenge and reads frames until the exchange
// acknowledges. It returns the exchange-assigned connection id on success. On
// a failure acknowledgment the caller must close the connection and retry
// fresh through the reconnection controller; retrying in place would loop on
// a stale signature.
func (a *Authenticator) Handshake(ctx context.Context, wire Wire) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()

	if err := writeOperation(ctx, wire, a.Request()); err != nil {
		return "", errs.New("private", errs.CodeAuth, errs.WithMessage("send auth challenge"), errs.WithCause(err))
	}

	for {
		raw, err := wire.Read(ctx)
		if err != nil {
			return "", errs.New("private", errs.CodeAuth, errs.WithMessage("await auth acknowledgment"), errs.WithCause(err))
		}
		frame, err := schema.ParseFrame(raw)
		if err != nil {
			continue
		}
		if frame.Kind != schema.FrameAuthAck {
			// Heartbeat replies may interleave before the ack; nothing else
			// is expected pre-subscribe.
			continue
		}
		if !frame.Success {
			return "", errs.New("private", errs.CodeAuth, errs.WithMessage(frame.RetMsg))
		}
		return frame.ConnID, nil
	}
}
