package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/livinlefevreloca/tasksync/internal/records"
)

const (
	realtimePath      = "/realtime/v1/websocket"
	realtimeReadLimit = 4 << 20
	handshakeTimeout  = 10 * time.Second
)

// Change-feed wire messages
const (
	msgSubscribe = "subscribe"
	msgChange    = "change"
	msgError     = "error"
)

type feedMessage struct {
	Type      string          `json:"type"`
	Tables    []records.Table `json:"tables,omitempty"`
	Table     records.Table   `json:"table,omitempty"`
	Event     EventType       `json:"event,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Subscribe opens the websocket change feed and delivers changes for tables
// to onChange from a single goroutine, in arrival order.
func (b *HTTPBackend) Subscribe(ctx context.Context, tables []records.Table, onChange func(Change)) (Subscription, error) {
	u := *b.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + realtimePath
	if b.apiKey != "" {
		u.RawQuery = url.Values{"apikey": {b.apiKey}}.Encode()
	}

	header := http.Header{}
	b.authorize(header)

	dialCtx, cancelDial := context.WithTimeout(ctx, handshakeTimeout)
	defer cancelDial()

	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, statusError("subscribe", "", resp.StatusCode, "", err.Error())
		}
		return nil, transportError("subscribe", "", err)
	}
	conn.SetReadLimit(realtimeReadLimit)

	hello, _ := json.Marshal(feedMessage{Type: msgSubscribe, Tables: tables})
	if err := conn.Write(dialCtx, websocket.MessageText, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, transportError("subscribe", "", err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &wsSubscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.readLoop(subCtx, b, onChange)

	b.logger.Info("change feed subscribed", "tables", tables)
	return sub, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *wsSubscription) Done() <-chan struct{} { return s.done }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// The close handshake completes through the running read loop. A feed
	// the remote already dropped has nothing left to close.
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
	<-s.done
	return nil
}

func (s *wsSubscription) readLoop(ctx context.Context, b *HTTPBackend, onChange func(Change)) {
	defer close(s.done)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("malformed change feed message", "error", err)
			continue
		}

		switch msg.Type {
		case msgChange:
			onChange(Change{Table: msg.Table, Event: msg.Event, Record: msg.Record, OldRecord: msg.OldRecord})
		case msgError:
			s.finish(&Error{Kind: KindValidation, Op: "subscribe", Table: msg.Table, Message: msg.Message})
			s.conn.Close(websocket.StatusPolicyViolation, "")
			return
		default:
			b.logger.Debug("ignoring change feed message", "type", msg.Type)
		}
	}
}

// finish records why the feed ended. A Close by the caller is not an error.
func (s *wsSubscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil {
		return
	}
	var re *Error
	if errors.As(err, &re) {
		s.err = err
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = errors.New("change feed closed by remote")
	}
	s.err = transportError("subscribe", "", err)
}
