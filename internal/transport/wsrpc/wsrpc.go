// Package wsrpc is the real, multi-process transport.Transport: every
// node runs a websocket server peers dial into, and lazily dials its own
// outbound connection to each peer the first time it needs one. Requests
// and responses share one full-duplex connection, correlated by a
// google/uuid request id — the same shape as the pack's
// sandeepkv93-network-programming/websocket server, generalized from an
// echo/broadcast demo into an RPC multiplexer.
package wsrpc

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/paxoscore/consensus/internal/codec"
	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/transport"
)

// envelope is the one wire frame type every message on a wsrpc connection
// uses, distinguishing requests from responses by whether Method is set.
type envelope struct {
	ID      string
	Method  string // empty on a response
	From    string
	OK      bool // response only: whether the handler succeeded (no error)
	ErrText string
	Payload []byte
}

// Transport is a websocket-backed transport.Transport bound to one node.
// Peers are dialed lazily, at the IP and port in their Endpoint, on first
// use, so a transport can be constructed before the full membership is
// known.
type Transport struct {
	self     membership.Endpoint
	codec    codec.Codec
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handler  transport.Handler
	conns    map[string]*conn // peer id -> live connection
	pending  map[string]chan envelope
	server   *http.Server
	closed   bool
}

// conn wraps one websocket connection with the write-serializing mutex
// gorilla/websocket requires (a *websocket.Conn supports at most one
// concurrent writer).
type conn struct {
	ws sync.Mutex
	c  *websocket.Conn
}

func (c *conn) writeJSON(v envelope) error {
	c.ws.Lock()
	defer c.ws.Unlock()
	return c.c.WriteJSON(v)
}

// New builds a Transport listening on listenAddr (host:port) for inbound
// peer connections at /rpc.
func New(self membership.Endpoint, listenAddr string, cdc codec.Codec) *Transport {
	t := &Transport{
		self:  self,
		codec: cdc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:   make(map[string]*conn),
		pending: make(map[string]chan envelope),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", t.handleUpgrade)
	t.server = &http.Server{Addr: listenAddr, Handler: mux}
	go t.server.ListenAndServe()
	return t
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{c: ws}
	go t.readLoop(c)
}

// Dial establishes this node's outbound connection to peer, idempotently.
func (t *Transport) Dial(peer membership.Endpoint) error {
	t.mu.Lock()
	if _, ok := t.conns[peer.ID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	url := fmt.Sprintf("ws://%s:%d/rpc", peer.IP, peer.Port)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("wsrpc: dial %s: %w", peer.ID, err)
	}
	c := &conn{c: ws}
	t.mu.Lock()
	t.conns[peer.ID] = c
	t.mu.Unlock()
	go t.readLoop(c)
	return nil
}

// readLoop demultiplexes frames on one connection: responses are routed by
// ID to a waiting Call/Broadcast; requests are dispatched to the
// registered Handler and answered on the same connection.
func (t *Transport) readLoop(c *conn) {
	for {
		var env envelope
		if err := c.c.ReadJSON(&env); err != nil {
			return
		}
		if env.Method == "" {
			t.mu.Lock()
			ch, ok := t.pending[env.ID]
			t.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		go t.serve(c, env)
	}
}

func (t *Transport) serve(c *conn, env envelope) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	resp := envelope{ID: env.ID, From: t.self.ID}
	if handler == nil {
		resp.ErrText = "wsrpc: no handler registered"
	} else {
		reqVal, decErr := t.decodeRequest(env.Method, env.Payload)
		if decErr != nil {
			resp.ErrText = decErr.Error()
		} else {
			out, err := handler(context.Background(), membership.Endpoint{ID: env.From}, env.Method, reqVal)
			if err != nil {
				resp.ErrText = err.Error()
			} else {
				resp.OK = true
				if out != nil {
					payload, encErr := t.codec.Encode(out)
					if encErr != nil {
						resp.ErrText = encErr.Error()
					} else {
						resp.Payload = payload
					}
				}
			}
		}
	}
	c.writeJSON(resp)
}

// decodeRequest and decodeResponse are the one place gob's "you must
// decode into a concrete type" requirement surfaces: every RPC method
// names its own request struct, and the Handler interface only accepts
// `any`, so the method name doubles as the dispatch key here too.
func (t *Transport) decodeRequest(method string, payload []byte) (any, error) {
	reqPtr, ok := newRequestFor(method)
	if !ok {
		return nil, fmt.Errorf("wsrpc: unknown method %q", method)
	}
	if err := t.codec.Decode(payload, reqPtr); err != nil {
		return nil, err
	}
	return derefRequest(reqPtr), nil
}

func (t *Transport) RegisterHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) Self() membership.Endpoint { return t.self }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, c := range t.conns {
		c.c.Close()
	}
	return t.server.Close()
}

// Call sends req to peer to and waits for its response or ctx's deadline.
func (t *Transport) Call(ctx context.Context, to membership.Endpoint, method string, req any) (any, error) {
	if err := t.Dial(to); err != nil {
		return nil, transport.ErrUnreachable
	}
	t.mu.Lock()
	c, ok := t.conns[to.ID]
	t.mu.Unlock()
	if !ok {
		return nil, transport.ErrUnreachable
	}

	payload, err := t.codec.Encode(req)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan envelope, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := c.writeJSON(envelope{ID: id, Method: method, From: t.self.ID, Payload: payload}); err != nil {
		return nil, transport.ErrUnreachable
	}

	select {
	case env := <-ch:
		if env.ErrText != "" {
			return nil, fmt.Errorf("wsrpc: %s", env.ErrText)
		}
		return t.decodeResponse(method, env.Payload)
	case <-ctx.Done():
		return nil, transport.ErrTimeout
	}
}

func (t *Transport) decodeResponse(method string, payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	respPtr, ok := newResponseFor(method)
	if !ok {
		return nil, fmt.Errorf("wsrpc: unknown response type for method %q", method)
	}
	if err := t.codec.Decode(payload, respPtr); err != nil {
		return nil, err
	}
	return derefRequest(respPtr), nil
}

// Broadcast fans req out to every peer in to concurrently.
func (t *Transport) Broadcast(ctx context.Context, to []membership.Endpoint, method string, req any) <-chan transport.Result {
	out := make(chan transport.Result, len(to))
	if len(to) == 0 {
		close(out)
		return out
	}
	var wg sync.WaitGroup
	wg.Add(len(to))
	for _, peer := range to {
		peer := peer
		go func() {
			defer wg.Done()
			resp, err := t.Call(ctx, peer, method, req)
			out <- transport.Result{From: peer, Resp: resp, Err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Send is fire-and-forget: the request is written but no response is
// awaited.
func (t *Transport) Send(ctx context.Context, to membership.Endpoint, method string, req any) error {
	if err := t.Dial(to); err != nil {
		return transport.ErrUnreachable
	}
	t.mu.Lock()
	c, ok := t.conns[to.ID]
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnreachable
	}
	payload, err := t.codec.Encode(req)
	if err != nil {
		return err
	}
	return c.writeJSON(envelope{ID: uuid.NewString(), Method: method, From: t.self.ID, Payload: payload})
}
