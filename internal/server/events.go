package server

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/qualisys/qualisys-lsl-app/internal/bridge"
	"github.com/qualisys/qualisys-lsl-app/internal/logx"
)

// handleEvents streams state-change notifications over a websocket, one JSON
// object per message, in transition order. The subscription starts with a
// synthetic notification carrying the current state so the front end never
// renders stale state while waiting for the first transition.
func handleEvents(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "server error")
		ctx := r.Context()

		notif, cancel := b.Subscribe()
		defer cancel()

		write := func(n bridge.Notification) bool {
			buf, err := json.Marshal(n)
			if err != nil {
				return false
			}
			return c.Write(ctx, websocket.MessageText, buf) == nil
		}

		st := b.Status()
		if !write(bridge.Notification{State: st.State, Detail: st.LastError}) {
			return
		}
		// Drain client messages so pings and close frames are processed.
		go func() {
			for {
				if _, _, err := c.Read(ctx); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "")
				return
			case n, ok := <-notif:
				if !ok {
					c.Close(websocket.StatusNormalClosure, "")
					return
				}
				if !write(n) {
					logx.Log.Debug().Msg("event subscriber write failed")
					return
				}
			}
		}
	}
}
