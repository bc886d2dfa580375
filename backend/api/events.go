package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tunnelmgr/backend/domain"
	"tunnelmgr/backend/service"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	// 客户端跟不上时丢弃旧状态，只要最终看到最新状态即可
	wsSendBuffer = 8
)

type statusMessage struct {
	Status domain.TunnelStatus `json:"status"`
	At     time.Time           `json:"at"`
}

// statusHub 把隧道状态事件推给 websocket 客户端
type statusHub struct {
	service  *service.Facade
	upgrader websocket.Upgrader

	once    sync.Once
	mu      sync.Mutex
	clients map[chan statusMessage]struct{}
}

func newStatusHub(svc *service.Facade) *statusHub {
	return &statusHub{
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 控制端只监听本机
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[chan statusMessage]struct{}),
	}
}

// attach 第一个客户端连上时订阅事件总线
func (h *statusHub) attach() {
	h.once.Do(func() {
		h.service.SubscribeTunnelStatus(h.broadcast)
	})
}

func (h *statusHub) broadcast(s domain.TunnelStatus) {
	msg := statusMessage{Status: s, At: time.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// 缓冲满：丢掉最旧的一条再放
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func (h *statusHub) add() chan statusMessage {
	ch := make(chan statusMessage, wsSendBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *statusHub) remove(ch chan statusMessage) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *statusHub) serve(c *gin.Context) {
	h.attach()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := h.add()
	defer h.remove(ch)

	// 读循环只用来发现客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// 连上先推一次当前状态
	if err := writeStatus(conn, statusMessage{Status: h.service.TunnelStatus(), At: time.Now()}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case msg := <-ch:
			if err := writeStatus(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeStatus(conn *websocket.Conn, msg statusMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}
