// Package groupchannel WebSocket 组通道网关
package groupchannel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"study-server/internal/publix/idcookie"
	"study-server/internal/publix/service"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client 单个组成员连接；写入需要串行化
type client struct {
	conn  *websocket.Conn
	runID int64
	mu    sync.Mutex
}

func (c *client) send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Metrics 组通道指标记录（可选注入，见 server 包）
type Metrics interface {
	GroupJoined()
	GroupLeft()
	GroupMessage()
}

// Gateway WebSocket 组通道网关
//
// 网关负责：
//   - 校验加入请求（ID cookie + 运行归属 + 运行确实分了组）
//   - 管理按 groupRunId 索引的成员连接
//   - 在本实例成员间转发消息，并经 Bus 与其他实例互通
//   - 成员加入/离开时广播系统消息
type Gateway struct {
	lifecycle *service.Service
	bus       Bus
	origin    string
	metrics   Metrics

	mu      sync.Mutex
	clients map[int64]map[*client]bool
	relays  map[int64]context.CancelFunc
}

// NewGateway 创建组通道网关；bus 可为 nil（单实例、无中继）
func NewGateway(lifecycle *service.Service, bus Bus) *Gateway {
	b := make([]byte, 4)
	rand.Read(b)
	return &Gateway{
		lifecycle: lifecycle,
		bus:       bus,
		origin:    hex.EncodeToString(b),
		clients:   make(map[int64]map[*client]bool),
		relays:    make(map[int64]context.CancelFunc),
	}
}

// SetMetrics 注入指标记录器
func (g *Gateway) SetMetrics(m Metrics) {
	g.metrics = m
}

// RegisterRoutes 注册组通道路由
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /publix/studies/{studyId}/group/join", g.HandleJoin)
}

// Close 断开所有成员连接并关闭消息总线
func (g *Gateway) Close() {
	g.mu.Lock()
	for groupID, members := range g.clients {
		for m := range members {
			m.conn.Close()
		}
		if cancel := g.relays[groupID]; cancel != nil {
			cancel()
		}
	}
	g.clients = make(map[int64]map[*client]bool)
	g.relays = make(map[int64]context.CancelFunc)
	g.mu.Unlock()

	if g.bus != nil {
		g.bus.Close()
	}
}

// HandleJoin 加入组通道
// GET /publix/studies/{studyId}/group/join?runId=<id>
//
// 要求请求携带该运行的 ID cookie，且运行属于分组实验。
// 升级成功后连接保持到客户端断开或运行结束。
func (g *Gateway) HandleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, err := strconv.ParseInt(r.URL.Query().Get("runId"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid runId parameter", http.StatusBadRequest)
		return
	}

	cookie := findIDCookie(r, runID)
	if cookie == nil {
		http.Error(w, "request carries no ID cookie for this run", http.StatusBadRequest)
		return
	}
	worker, err := g.lifecycle.RetrieveWorker(ctx, cookie.WorkerID)
	if err != nil {
		http.Error(w, "unknown worker", http.StatusForbidden)
		return
	}
	run, err := g.lifecycle.RetrieveStudyRun(ctx, runID, worker)
	if err != nil {
		http.Error(w, "study run not accessible", http.StatusForbidden)
		return
	}
	if run.GroupRunID == nil {
		http.Error(w, "study run has no group", http.StatusForbidden)
		return
	}
	groupID := *run.GroupRunID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[groupchannel] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	member := &client{conn: conn, runID: run.ID}
	g.addClient(groupID, member)
	if g.metrics != nil {
		g.metrics.GroupJoined()
	}
	defer func() {
		g.removeClient(groupID, member)
		g.announce(groupID, run.ID, MessageTypeLeft, nil)
		if g.metrics != nil {
			g.metrics.GroupLeft()
		}
	}()

	log.Printf("[groupchannel.join] group_run_id=%d run_id=%d", groupID, run.ID)
	g.announce(groupID, run.ID, MessageTypeJoined, member)

	g.readPump(groupID, member)
}

// readPump 读取成员消息并转发给组内其他成员
func (g *Gateway) readPump(groupID int64, member *client) {
	member.conn.SetReadLimit(64 << 10)
	for {
		_, raw, err := member.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[groupchannel] read error on run %d: %v", member.runID, err)
			}
			return
		}
		if !json.Valid(raw) {
			continue
		}
		msg := &Message{
			Type:       MessageTypeGroup,
			GroupRunID: groupID,
			RunID:      member.runID,
			Data:       json.RawMessage(raw),
			Timestamp:  time.Now().UTC(),
			Origin:     g.origin,
		}
		g.broadcastLocal(groupID, msg, member)
		g.publish(groupID, msg)
		if g.metrics != nil {
			g.metrics.GroupMessage()
		}
	}
}

// announce 广播加入/离开系统消息；exclude 为当事成员自己
func (g *Gateway) announce(groupID, runID int64, msgType string, exclude *client) {
	msg := &Message{
		Type:       msgType,
		GroupRunID: groupID,
		RunID:      runID,
		Timestamp:  time.Now().UTC(),
		Origin:     g.origin,
	}
	g.broadcastLocal(groupID, msg, exclude)
	g.publish(groupID, msg)
}

// broadcastLocal 推送给本实例的组成员；exclude 为发送者本人
func (g *Gateway) broadcastLocal(groupID int64, msg *Message, exclude *client) {
	g.mu.Lock()
	members := make([]*client, 0, len(g.clients[groupID]))
	for m := range g.clients[groupID] {
		if m != exclude {
			members = append(members, m)
		}
	}
	g.mu.Unlock()

	for _, m := range members {
		if err := m.send(msg); err != nil {
			log.Printf("[groupchannel] dropping slow member on group %d: %v", groupID, err)
		}
	}
}

func (g *Gateway) publish(groupID int64, msg *Message) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(context.Background(), groupID, msg); err != nil {
		// 中继失败只影响跨实例投递，本实例成员已经收到
		log.Printf("[groupchannel] publish failed on group %d: %v", groupID, err)
	}
}

func (g *Gateway) addClient(groupID int64, member *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clients[groupID] == nil {
		g.clients[groupID] = make(map[*client]bool)
	}
	g.clients[groupID][member] = true

	// 组的第一个本地成员把中继订阅拉起来
	if g.bus != nil && g.relays[groupID] == nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.relays[groupID] = cancel
		go g.relay(ctx, groupID)
	}
}

func (g *Gateway) removeClient(groupID int64, member *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if members, ok := g.clients[groupID]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(g.clients, groupID)
			if cancel := g.relays[groupID]; cancel != nil {
				cancel()
				delete(g.relays, groupID)
			}
		}
	}
}

// relay 把其他实例发布的组消息转发给本地成员
func (g *Gateway) relay(ctx context.Context, groupID int64) {
	ch, err := g.bus.Subscribe(ctx, groupID)
	if err != nil {
		log.Printf("[groupchannel] relay subscribe failed on group %d: %v", groupID, err)
		return
	}
	for msg := range ch {
		if msg.Origin == g.origin {
			continue
		}
		g.broadcastLocal(groupID, msg, nil)
	}
}

// findIDCookie 从请求中解出指定运行的 ID cookie
//
// 只读场景，不需要完整的 Accessor（那需要一个可写的 cookie 袋）。
func findIDCookie(r *http.Request, runID int64) *idcookie.IdCookie {
	for _, c := range r.Cookies() {
		decoded, err := idcookie.Decode(c.Name, c.Value)
		if err != nil {
			continue
		}
		if decoded.StudyRunID == runID {
			return decoded
		}
	}
	return nil
}
