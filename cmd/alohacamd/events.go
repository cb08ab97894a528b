package main

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lanikai/alohacam"
)

const eventBacklog = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func newEventsHandler(events alohacam.Subscriber) http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		serveEvents(w, r, events)
	})
	return router
}

// serveEvents streams camera events to a websocket client as JSON, one
// message per event.
func serveEvents(w http.ResponseWriter, r *http.Request, events alohacam.Subscriber) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()

	ch := events.Subscribe(eventBacklog)
	defer events.Unsubscribe(ch)

	// Client messages are ignored, but reading detects a closed connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "camera closed"))
				return
			}
			if err := ws.WriteJSON(e); err != nil {
				log.Debug("write event: %v", err)
				return
			}
		case <-gone:
			return
		}
	}
}
