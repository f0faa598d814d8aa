package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler receives events synchronously: the next message is not read until it returns.
type Handler func(ctx context.Context, ev Event)

// Feed maintains the user data stream connection.
type Feed struct {
	wsBase  string
	symbol  string
	keys    exchange.SessionKeyProvider
	handler Handler
	logger  *zap.Logger
	dialer  *websocket.Dialer
	now     func() time.Time

	renewEvery   time.Duration
	stableWindow time.Duration
	pongWait     time.Duration
	pingPeriod   time.Duration
	backoff      *backoff.Backoff

	mu        sync.Mutex
	state     models.ConnectionState
	listenKey string
	reconnect chan struct{}
}

// New creates a feed. wsBase is e.g. "wss://fstream.binance.com".
func New(cfg models.FeedConfig, wsBase, symbol string, keys exchange.SessionKeyProvider, handler Handler, logger *zap.Logger) *Feed {
	return &Feed{
		wsBase:       wsBase,
		symbol:       symbol,
		keys:         keys,
		handler:      handler,
		logger:       logger.Named("feed"),
		dialer:       websocket.DefaultDialer,
		now:          time.Now,
		renewEvery:   models.Minutes(cfg.ListenKeyRenewMin),
		stableWindow: models.Seconds(cfg.StableWindowSec),
		pongWait:     models.Seconds(cfg.WebSocketPongTimeoutSec),
		pingPeriod:   models.Seconds(cfg.WebSocketPingIntervalSec),
		backoff: &backoff.Backoff{
			Min:    models.Seconds(cfg.ReconnectMinSec),
			Max:    models.Seconds(cfg.ReconnectMaxSec),
			Factor: 2,
			Jitter: true,
		},
		state:     models.Disconnected,
		reconnect: make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (f *Feed) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) setState(ctx context.Context, s models.ConnectionState) {
	f.mu.Lock()
	changed := f.state != s
	f.state = s
	f.mu.Unlock()
	if changed {
		f.logger.Info("用户数据流状态变化", zap.String("state", string(s)))
		f.handler(ctx, ConnectionStateChanged{State: s})
	}
}

func (f *Feed) currentKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listenKey
}

func (f *Feed) setKey(key string) {
	f.mu.Lock()
	f.listenKey = key
	f.mu.Unlock()
}

// forceReconnect asks the active connection to close; the run loop reconnects.
func (f *Feed) forceReconnect() {
	select {
	case f.reconnect <- struct{}{}:
	default:
	}
}

// Run keeps the stream connected until ctx is done. It only returns an error for
// failures that retrying cannot fix.
func (f *Feed) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.renewLoop(gctx) })
	g.Go(func() error { return f.connectLoop(gctx) })
	err := g.Wait()
	f.setState(context.Background(), models.Disconnected)
	return err
}

func (f *Feed) connectLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		f.setState(ctx, models.Connecting)

		conn, err := f.connect(ctx)
		if err != nil {
			f.setState(ctx, models.Disconnected)
			if exchange.IsAuthError(err) {
				return fmt.Errorf("user data stream: %w", err)
			}
			wait := f.backoff.Duration()
			f.logger.Warn("用户数据流连接失败，稍后重试", zap.Error(err), zap.Duration("wait", wait))
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		connectedAt := f.now()
		f.setState(ctx, models.Connected)
		err = f.serve(ctx, conn)
		conn.Close()
		f.setState(ctx, models.Disconnected)
		if ctx.Err() != nil {
			return nil
		}

		if f.now().Sub(connectedAt) >= f.stableWindow {
			f.backoff.Reset()
		}
		wait := f.backoff.Duration()
		f.logger.Warn("用户数据流断开，准备重连", zap.Error(err), zap.Duration("wait", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// connect obtains a listen key when none is held and dials the stream.
func (f *Feed) connect(ctx context.Context) (*websocket.Conn, error) {
	key := f.currentKey()
	if key == "" {
		var err error
		key, err = f.keys.CreateListenKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("create listen key: %w", err)
		}
		f.setKey(key)
	}
	// 清空残留的重连请求，它属于上一个连接
	select {
	case <-f.reconnect:
	default:
	}

	url := fmt.Sprintf("%s/ws/%s", f.wsBase, key)
	conn, _, err := f.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial user data stream: %w", err)
	}
	return conn, nil
}

// serve reads messages until the connection breaks, ctx ends, or a reconnect is forced.
func (f *Feed) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(f.now().Add(f.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(f.now().Add(f.pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		pingTicker := time.NewTicker(f.pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, f.now().Add(5*time.Second)); err != nil {
					// 连接已损坏时读循环会返回错误
					f.logger.Debug("发送Ping失败", zap.Error(err))
				}
			case <-f.reconnect:
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "reconnect"), f.now().Add(time.Second))
				conn.Close()
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), f.now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		events, err := parseMessage(message, f.symbol)
		if errors.Is(err, errListenKeyExpired) {
			f.logger.Warn("listenKey 已过期，重新创建")
			f.setKey("")
			return err
		}
		if err != nil {
			f.logger.Warn("无法解析用户数据流消息", zap.Error(err))
			continue
		}
		for _, ev := range events {
			f.handler(ctx, ev)
		}
	}
}

// renewLoop keeps the listen key alive on its own schedule, independent of the socket.
func (f *Feed) renewLoop(ctx context.Context) error {
	ticker := time.NewTicker(f.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		key := f.currentKey()
		if key == "" {
			continue
		}
		err := f.keys.KeepAliveListenKey(ctx, key)
		if err == nil {
			f.logger.Debug("listenKey 已续期")
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		f.logger.Warn("listenKey 续期失败，创建新的 listenKey", zap.Error(err))
		fresh, err := f.keys.CreateListenKey(ctx)
		if err != nil {
			// 下一次连接时会再创建
			f.logger.Warn("创建 listenKey 失败", zap.Error(err))
			f.setKey("")
		} else {
			f.setKey(fresh)
		}
		f.forceReconnect()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
