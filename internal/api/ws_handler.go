package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"cvchapchap/internal/errcode"
	"cvchapchap/internal/request"
)

// RequestStatuses 读取请求状态，*request.Service 满足该接口。
type RequestStatuses interface {
	Status(ctx context.Context, id string) (*request.Request, error)
}

// WsHandler 向浏览器推送单个付费下载的状态变化。
// 状态通过 Redis 发布订阅获得；没有 Redis 时改为轮询数据库。
type WsHandler struct {
	redisClient    redis.UniversalClient
	statuses       RequestStatuses
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	pollInterval   time.Duration
	pingInterval   time.Duration
}

func NewWsHandler(redisClient redis.UniversalClient, statuses RequestStatuses, logger *slog.Logger, allowedOrigins []string) *WsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WsHandler{
		redisClient:    redisClient,
		statuses:       statuses,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		pollInterval:   2 * time.Second,
		pingInterval:   30 * time.Second,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(h.allowedOrigins) == 0 {
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// HandleConnection 处理 GET /api/cv-pdf/:id/ws。
// 首条消息为当前状态，请求完成或失败后正常关闭连接。
func (h *WsHandler) HandleConnection(c *gin.Context) {
	id := c.Param("id")
	current, err := h.statuses.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade websocket failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log := h.logger.With(slog.String("request_id", id), slog.String("client_ip", c.ClientIP()))
	go h.readLoop(conn, cancel)

	var updates <-chan request.Notification
	if h.redisClient != nil {
		updates = h.subscribe(ctx, id, log)
	} else {
		updates = h.poll(ctx, id, current.Status, log)
	}

	if err := h.forward(ctx, conn, snapshot(current), updates); err != nil {
		log.Info("websocket connection closed", slog.Any("error", err))
		return
	}
	writeClose(conn, websocket.CloseNormalClosure, "done")
	log.Info("websocket stream finished")
}

var errStreamClosed = errors.New("status stream closed")

// forward 先发送 first，再转发后续更新，直到发出终态。
func (h *WsHandler) forward(ctx context.Context, conn *websocket.Conn, first request.Notification, updates <-chan request.Notification) error {
	if err := conn.WriteJSON(first); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if first.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-updates:
			if !ok {
				return errStreamClosed
			}
			if err := conn.WriteJSON(n); err != nil {
				return fmt.Errorf("write message: %w", err)
			}
			if n.Status.Terminal() {
				return nil
			}
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// readLoop 读取客户端帧以处理 close 与 pong，
// 连接断开时取消上下文。
func (h *WsHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WsHandler) subscribe(ctx context.Context, id string, log *slog.Logger) <-chan request.Notification {
	out := make(chan request.Notification)
	channel := request.Channel(id)
	pubsub := h.redisClient.Subscribe(ctx, channel)
	log.Info("subscribed to redis channel", slog.String("channel", channel))

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n request.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					log.Warn("drop malformed notification", slog.Any("error", err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (h *WsHandler) poll(ctx context.Context, id string, last request.Status, log *slog.Logger) <-chan request.Notification {
	out := make(chan request.Notification)
	go func() {
		defer close(out)
		ticker := time.NewTicker(h.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			req, err := h.statuses.Status(ctx, id)
			if err != nil {
				log.Warn("poll request status failed", slog.Any("error", err))
				continue
			}
			if req.Status == last {
				continue
			}
			last = req.Status
			select {
			case out <- snapshot(req):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func snapshot(r *request.Request) request.Notification {
	n := request.Notification{RequestID: r.ID, Status: r.Status}
	if r.Status == request.StatusFailed {
		n.ErrorCode = errcode.SystemError
		n.ErrorMessage = r.FailureReason
	}
	return n
}

func writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
