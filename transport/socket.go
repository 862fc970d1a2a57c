package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxPacketSize is the maximum size of a JSON packet we accept.
	DefaultMaxPacketSize = 262144

	// DefaultInMessageBuffer allows for this many packets to be pending before we close the connection.
	DefaultInMessageBuffer = 128

	// DefaultRateLimit is the number of messages per second we allow.
	DefaultRateLimit = 100

	// DefaultRateBurst is the maximum burst of messages we allow.
	DefaultRateBurst = 100

	// DefaultWriteTimeout bounds a single write to a peer.
	DefaultWriteTimeout = 10 * time.Second

	// ProtocolVersion is the only hello version we accept.
	ProtocolVersion = "1"
)

// HandshakeResponse is the response sent to the client after a successful hello.
type HandshakeResponse struct {
	Ok            bool `json:"ok"`
	MaxPacketSize int  `json:"max_packet_size"`
	RateLimit     int  `json:"rate_limit"`
	RateBurst     int  `json:"rate_burst"`
}

// Hello is sent by the client to start the handshake.
type Hello struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// SocketOpts configures the WebSocket handler.
type SocketOpts struct {
	// MaxPacketSize is the maximum size of a JSON packet we accept.
	// Defaults to DefaultMaxPacketSize if zero.
	MaxPacketSize int

	// InMessageBuffer allows for this many packets to be pending before we close the connection.
	// Defaults to DefaultInMessageBuffer if zero.
	InMessageBuffer int

	// RateLimit is the number of messages per second we allow.
	// Defaults to DefaultRateLimit if zero.
	RateLimit int

	// RateBurst is the maximum burst of messages we allow.
	// Defaults to DefaultRateBurst if zero.
	RateBurst int

	// PingEvery sends a ping every ~duration.
	PingEvery time.Duration

	// WriteTimeout bounds each write; a peer which cannot accept a message in time is closed.
	// Defaults to DefaultWriteTimeout if zero.
	WriteTimeout time.Duration

	// OriginPatterns is passed to websocket.Accept.
	// If empty, any origin is allowed and you should wrap this with something that checks the origin.
	OriginPatterns []string
}

func (o *SocketOpts) setDefaults() {
	if o.MaxPacketSize == 0 {
		o.MaxPacketSize = DefaultMaxPacketSize
	}
	if o.InMessageBuffer == 0 {
		o.InMessageBuffer = DefaultInMessageBuffer
	}
	if o.RateLimit == 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.RateBurst == 0 {
		o.RateBurst = DefaultRateBurst
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
}

// Handler describes the wrapped method for NewWebSocketHandler.
// It runs a Transport.
type Handler func(tr Transport) (err error)

// NewWebSocketHandler returns an http.Handler that upgrades requests to WebSocket connections and wraps them in a Transport interface.
// The provided handle function is called for each established connection, after the hello handshake.
// When the handle function returns, the WebSocket connection is closed with a code derived from its error.
func NewWebSocketHandler(opts SocketOpts, transportHandler Handler) (h http.Handler) {
	opts.setDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: len(opts.OriginPatterns) == 0,
			OriginPatterns:     opts.OriginPatterns,
		})
		if err != nil {
			return // websocket.Accept already writes an error response if it fails.
		}
		c.SetReadLimit(int64(opts.MaxPacketSize)) // set sane read limit

		// Define an primary readCtx that cancels after our "normal" shutdown.
		// Don't use the http.Request Context, see websocket.Accept comment.
		// Without this, the pending read call proactively shuts down the connection before we Close.
		readCtx, readCancel := context.WithCancel(context.Background())

		ctx, cancel := context.WithCancelCause(readCtx)
		tr := &wsTransport{
			ctx:          ctx,
			cancel:       cancel,
			conn:         c,
			inCh:         make(chan []byte, opts.InMessageBuffer),
			limiter:      rate.NewLimiter(rate.Limit(opts.RateLimit+1), opts.RateBurst+1), // +1 for hello msg and general safety
			writeTimeout: opts.WriteTimeout,
		}

		context.AfterFunc(ctx, func() {
			code, reason := closeFor(context.Cause(ctx))
			c.Close(code, reason)
			readCancel() // only cancel readCtx after ctx
		})

		if opts.PingEvery > 0 {
			go func() {
				for {
					d := time.Duration(randomSkew() * float64(opts.PingEvery))
					select {
					case <-ctx.Done():
						return
					case <-time.After(d):
					}
					pingCtx, pingCancel := context.WithTimeout(ctx, opts.WriteTimeout)
					err := c.Ping(pingCtx)
					pingCancel()
					if err != nil {
						cancel(err)
						return
					}
				}
			}()
		}

		go func() {
			err := tr.runRead(readCtx)
			cancel(err)
		}()

		err = tr.run(opts, transportHandler)
		cancel(err)
	})
}

type wsTransport struct {
	ctx          context.Context
	cancel       context.CancelCauseFunc
	conn         *websocket.Conn
	inCh         chan []byte
	limiter      *rate.Limiter
	writeTimeout time.Duration
}

func (t *wsTransport) run(opts SocketOpts, transportHandler Handler) (err error) {
	// Handshake: Expect "hello" packet with our version.
	var hello Hello
	if err = t.ReadJSON(&hello); err != nil {
		return websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "failed to read hello"}
	}
	if hello.Type != "hello" || hello.Version != ProtocolVersion {
		return websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "invalid hello or version"}
	}

	resp := HandshakeResponse{
		Ok:            true,
		MaxPacketSize: opts.MaxPacketSize,
		RateLimit:     opts.RateLimit,
		RateBurst:     opts.RateBurst,
	}
	if err = t.WriteJSON(resp); err != nil {
		return
	}
	return transportHandler(t)
}

func (t *wsTransport) runRead(ctx context.Context) (err error) {
	for {
		typ, b, err := t.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if typ != websocket.MessageText {
			return websocket.CloseError{Code: websocket.StatusUnsupportedData, Reason: "unexpected message type"}
		}

		// Check rate limiter permission.
		if !t.limiter.Allow() {
			return websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "rate limit exceeded"}
		}

		select {
		case t.inCh <- b:
		default:
			// Channel full, slow consumer
			return websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "input channel full"}
		}
	}
}

func (t *wsTransport) Context() (ctx context.Context) {
	return t.ctx
}

func (t *wsTransport) Close(cause error) {
	t.cancel(cause)
}

func (t *wsTransport) ReadJSON(v any) (err error) {
	select {
	case b := <-t.inCh:
		if err = json.Unmarshal(b, v); err != nil {
			return &DecodeError{Raw: b, Err: err}
		}
		return nil
	case <-t.ctx.Done():
		return context.Cause(t.ctx)
	}
}

func (t *wsTransport) WriteJSON(v any) (err error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.writeTimeout)
	defer cancel()

	err = wsjson.Write(ctx, t.conn, v)
	if err != nil {
		t.cancel(err) // kill ctx if we fail to write
	}
	return err
}
