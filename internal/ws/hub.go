package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans stream payloads out to subscribers grouped by stream id (an
// execution or deployment id). All state is owned by the dispatch goroutine;
// there is no shared locking.
type Hub struct {
	streams   map[string]map[Subscriber]struct{}
	attach    chan attachReq
	detach    chan detachReq
	broadcast chan message
}

type message struct {
	streamID string
	payload  []byte
}

type attachReq struct {
	streamID string
	client   Subscriber
	replay   func() [][]byte
}

type detachReq struct {
	streamID string
	client   Subscriber
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		streams:   make(map[string]map[Subscriber]struct{}),
		attach:    make(chan attachReq),
		detach:    make(chan detachReq),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case req := <-h.attach:
			h.handleAttach(req)
		case req := <-h.detach:
			if clients, ok := h.streams[req.streamID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.streams, req.streamID)
				}
			}
		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

// handleAttach replays history to the client and then subscribes it, inside
// the dispatch loop so no broadcast can slot in between replay and
// registration. A client whose replay fails is closed and never joins.
func (h *Hub) handleAttach(req attachReq) {
	if req.replay != nil {
		for _, payload := range req.replay() {
			if err := req.client.Send(payload); err != nil {
				req.client.Close()
				return
			}
		}
	}
	if _, ok := h.streams[req.streamID]; !ok {
		h.streams[req.streamID] = make(map[Subscriber]struct{})
	}
	h.streams[req.streamID][req.client] = struct{}{}
}

func (h *Hub) handleBroadcast(msg message) {
	clients, ok := h.streams[msg.streamID]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(msg.payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.streams, msg.streamID)
	}
}

// Attach subscribes a client to a stream. When replay is non-nil its frames
// are delivered first, atomically with the subscription.
func (h *Hub) Attach(streamID string, client Subscriber, replay func() [][]byte) {
	h.attach <- attachReq{streamID: streamID, client: client, replay: replay}
}

// Register subscribes a client without replay.
func (h *Hub) Register(streamID string, client Subscriber) {
	h.Attach(streamID, client, nil)
}

// Unregister removes a client from a stream.
func (h *Hub) Unregister(streamID string, client Subscriber) {
	h.detach <- detachReq{streamID: streamID, client: client}
}

// Broadcast delivers payload to every subscriber of the stream.
func (h *Hub) Broadcast(streamID string, payload []byte) {
	h.broadcast <- message{streamID: streamID, payload: payload}
}
