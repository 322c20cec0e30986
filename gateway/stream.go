// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mcpgateway/gateway/audit"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

func (g *Gateway) upgrader() *websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]bool, len(g.opts.AllowedOrigins))
	for _, o := range g.opts.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
	}
}

// streamHandler pushes a snapshot and then live updates over a websocket.
// The socket is served from a bounded subscription, so a slow client loses
// old updates rather than slowing the gateway.
func (g *Gateway) streamHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := g.guard(w, r, audit.ActionSubscribe, g.opts.TelemetryRoles, true)
	if !ok {
		return
	}
	requestID := RequestIDFromContext(r.Context())

	ws, err := g.upgrader().Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn(principal.SubjectID, requestID, "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer ws.Close()

	sub := g.telemetry.Subscribe(g.opts.SubscriberBuffer)
	defer sub.Unsubscribe()

	g.record(r.Context(), audit.Event{
		SubjectID: principal.SubjectID,
		Action:    audit.ActionSubscribe,
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestID,
		Details:   map[string]interface{}{"remote": r.RemoteAddr},
	})
	g.log.Info(principal.SubjectID, requestID, "telemetry subscriber connected", nil)

	// Inbound frames are ignored; reading is needed to process pongs and
	// to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case update, ok := <-sub.C():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(update); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			g.log.Info(principal.SubjectID, requestID, "telemetry subscriber disconnected", map[string]interface{}{
				"dropped": sub.Dropped(),
			})
			return
		case <-r.Context().Done():
			return
		}
	}
}
