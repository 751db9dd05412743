package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamHost        = "fstream.binance.com"
	testnetStreamHost = "stream.binancefuture.com"
)

// OrderUpdate is the execution part of an ORDER_TRADE_UPDATE event.
type OrderUpdate struct {
	Symbol        string
	OrderID       int64
	Side          string
	PositionSide  string
	ExecutionType string
	Status        string
	LastQty       float64
	RealizedPnl   float64
	ReduceOnly    bool
	TradeTime     int64
}

// ClosesExposure reports whether the execution reduced a position.
func (u OrderUpdate) ClosesExposure() bool {
	return strings.EqualFold(u.ExecutionType, "TRADE") && (u.ReduceOnly || u.RealizedPnl != 0)
}

type listenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// UserStream reads the futures user data stream and reports executions
// that reduce exposure.
type UserStream struct {
	client         listenKeyClient
	host           string
	dialer         *websocket.Dialer
	logger         *zap.Logger
	onExit         func(OrderUpdate)
	keepAlive      time.Duration
	reconnectDelay time.Duration
}

// NewUserStream creates a stream bound to client. onExit is called from the
// reader goroutine for every execution that closes exposure.
func NewUserStream(client listenKeyClient, testnet bool, logger *zap.Logger, onExit func(OrderUpdate)) *UserStream {
	host := streamHost
	if testnet {
		host = testnetStreamHost
	}
	return &UserStream{
		client:         client,
		host:           host,
		dialer:         websocket.DefaultDialer,
		logger:         logger.Named("user-stream"),
		onExit:         onExit,
		keepAlive:      30 * time.Minute,
		reconnectDelay: 5 * time.Second,
	}
}

// Run keeps the stream connected until ctx is cancelled.
func (s *UserStream) Run(ctx context.Context) {
	for {
		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("User stream disconnected", zap.Error(err), zap.Duration("reconnect_in", s.reconnectDelay))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *UserStream) runOnce(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	u := url.URL{Scheme: "wss", Host: s.host, Path: "/ws/" + listenKey}
	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close()
	s.logger.Info("User stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// unblock ReadMessage
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(ctx); err != nil {
					s.logger.Warn("Listen key keepalive failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		update, ok, err := parseOrderUpdate(msg)
		if err != nil {
			s.logger.Debug("Ignoring unparsable stream message", zap.Error(err))
			continue
		}
		if ok && update.ClosesExposure() && s.onExit != nil {
			s.onExit(update)
		}
	}
}

// parseOrderUpdate decodes an ORDER_TRADE_UPDATE event; ok is false for
// any other event type.
func parseOrderUpdate(msg []byte) (update OrderUpdate, ok bool, err error) {
	var head struct {
		Event string `json:"e"`
	}
	if err = json.Unmarshal(msg, &head); err != nil {
		return update, false, err
	}
	if head.Event != "ORDER_TRADE_UPDATE" {
		return update, false, nil
	}

	var wrap struct {
		Order struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			PositionSide  string `json:"ps"`
			ExecutionType string `json:"x"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			LastQty       string `json:"l"`
			RealizedPnl   string `json:"rp"`
			ReduceOnly    bool   `json:"R"`
			TradeTime     int64  `json:"T"`
		} `json:"o"`
	}
	if err = json.Unmarshal(msg, &wrap); err != nil {
		return update, false, err
	}

	o := wrap.Order
	lastQty, _ := strconv.ParseFloat(o.LastQty, 64)
	rp, _ := strconv.ParseFloat(o.RealizedPnl, 64)
	return OrderUpdate{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		Side:          o.Side,
		PositionSide:  o.PositionSide,
		ExecutionType: o.ExecutionType,
		Status:        o.Status,
		LastQty:       lastQty,
		RealizedPnl:   rp,
		ReduceOnly:    o.ReduceOnly,
		TradeTime:     o.TradeTime,
	}, true, nil
}
