package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panyam/barter"
)

const (
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchMessage is pushed to watchers: the full matching set after every change, or the
// reason the watch ended.
type watchMessage struct {
	Type      string             `json:"type"`
	Documents []*barter.Document `json:"documents,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// handleWatch streams a live query over a websocket.  It runs outside the session writer,
// so the cookie session is loaded read-only here.
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	var token string
	if c, err := r.Cookie(g.sessions.Cookie.Name); err == nil {
		token = c.Value
	}
	ctx, err := g.sessions.Load(r.Context(), token)
	if err != nil {
		g.logger.Warn("error loading session", "error", err)
		writeError(w, barter.ErrNoActiveSession)
		return
	}
	sid := g.sessions.GetString(ctx, sessionIDKey)
	var sess *barter.Session
	if sid != "" {
		sess = g.lookup(sid, false)
	}
	if sess == nil || sess.User() == nil {
		writeError(w, barter.ErrNoActiveSession)
		return
	}

	coll, ok := collection(w, r, false)
	if !ok {
		return
	}
	conds, opts, err := queryFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	release := g.hold(sid)
	g.app.Metrics.RecordHTTPStatus(http.StatusSwitchingProtocols)
	g.app.Metrics.WatchOpened()

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }
	defer func() {
		closeDone()
		_ = ws.Close()
		release()
		g.app.Metrics.WatchClosed()
	}()

	var writeMu sync.Mutex
	send := func(m watchMessage) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(websocket.TextMessage, data)
	}
	end := func(reason string) {
		_ = send(watchMessage{Type: "closed", Error: reason})
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(writeWait))
		_ = ws.Close()
	}

	unsub, err := g.app.Store.Subscribe(r.Context(), coll, conds, func(docs []*barter.Document) {
		select {
		case <-done:
			return
		default:
		}
		if docs == nil {
			docs = []*barter.Document{}
		}
		if err := send(watchMessage{Type: "snapshot", Documents: docs}); err != nil {
			g.logger.Debug("error pushing snapshot", "error", err)
		}
	}, opts...)
	if err != nil {
		end(barter.Message(err))
		return
	}
	defer unsub()

	stopAuth := sess.OnChange(func(st barter.State) {
		if st.User == nil {
			end(barter.ErrNoActiveSession.Message)
		}
	})
	defer stopAuth()

	ws.SetReadLimit(64 * 1024)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	// Clients only send control frames; reading drives the pong handler and notices closes.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
