package upstox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HeartBeatInterval = 10 * time.Second
	ReadTimeout       = 30 * time.Second
	writeTimeout      = 5 * time.Second
)

// FeedSocket is one open market-data websocket. It has no reconnect
// logic of its own: when Run returns the socket is finished and the
// owner decides what happens next.
type FeedSocket struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	heartbeat time.Duration
	readWait  time.Duration
}

// DialFeed opens the authorized feed URL.
func DialFeed(ctx context.Context, dialer *websocket.Dialer, wsURL string) (*FeedSocket, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstox: dial feed: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("upstox: dial feed: %w", err)
	}
	return &FeedSocket{
		conn:      conn,
		done:      make(chan struct{}),
		heartbeat: HeartBeatInterval,
		readWait:  ReadTimeout,
	}, nil
}

// Subscribe sends a subscription frame.
func (s *FeedSocket) Subscribe(req SubscribeRequest) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(req)
}

// Run reads frames until the socket fails or is closed, handing every data
// frame to onMessage. It returns nil after Close and the read error
// otherwise.
func (s *FeedSocket) Run(onMessage func([]byte)) error {
	s.conn.SetReadDeadline(time.Now().Add(s.readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.readWait))
	})

	go s.heartbeatLoop()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			s.Close()
			return err
		}
		s.conn.SetReadDeadline(time.Now().Add(s.readWait))
		onMessage(message)
	}
}

// heartbeatLoop sends periodic ping frames.
func (s *FeedSocket) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					log.Printf("[upstox] ping write error: %v", err)
				}
				return
			}
		}
	}
}

// Close sends a normal close frame and tears the socket down. Safe to call
// more than once and concurrently with Run.
func (s *FeedSocket) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// Done is closed once the socket is finished.
func (s *FeedSocket) Done() <-chan struct{} { return s.done }
