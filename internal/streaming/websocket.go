package streaming

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSClient pairs a streaming Client with the websocket.Conn carrying its
// bytes, running the read/write pumps the teacher's hub relies on for
// back-pressure: writes are best-effort and buffered per client (Client.send),
// reads exist only to drive the pong/subscribe control frames.
type WSClient struct {
	*Client
	conn *websocket.Conn
}

// UpgradeAndRegister upgrades an HTTP connection to a websocket, wraps it in
// a Client registered with hub, and starts its read/write pumps. The
// connection starts membership-less (spec.md §4.11): callers must still
// call Authenticate and Subscribe before any Publish reaches it.
func UpgradeAndRegister(w http.ResponseWriter, r *http.Request, clientID string, hub *Hub, log *logger.Logger) (*WSClient, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	client := NewClient(clientID, hub, log)
	wsClient := &WSClient{Client: client, conn: conn}

	hub.Register(client)

	go wsClient.writePump()
	go wsClient.readPump()

	return wsClient, nil
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientCommand is the tiny subscribe/unsubscribe protocol a browser client
// sends to pick which session or terminal channel it wants fanned out.
type clientCommand struct {
	Action  string `json:"action"` // subscribe | unsubscribe
	Channel string `json:"channel"`
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c.Client)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.log.Warn("dropped malformed client command", zap.Error(err))
			continue
		}

		if !c.isAuthenticated() {
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if isOwnTerminalChannel(cmd.Channel, c.userID) || !isTerminalChannel(cmd.Channel) {
				c.hub.Subscribe(c.Client, cmd.Channel)
			}
		case "unsubscribe":
			c.hub.Unsubscribe(c.Client, cmd.Channel)
		}
	}
}

func isTerminalChannel(channel string) bool {
	return len(channel) > 5 && channel[:5] == "user/"
}

// isOwnTerminalChannel enforces that a client may only join its own
// "user/<id>/terminal" channel (spec.md §4.11).
func isOwnTerminalChannel(channel, userID string) bool {
	return channel == TerminalChannel(userID)
}
