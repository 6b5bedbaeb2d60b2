package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/tokatoka/fuzzamoto/internal/compiler"
	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
)

// ExecutePath is the agent endpoint accepting action streams.
const ExecutePath = "/execute"

// maxRequest bounds an uploaded action stream.
const maxRequest = 64 << 20

// Agent serves a Backend over HTTP/3. Requests are executed one at a time.
type Agent struct {
	backend Backend
	mu      sync.Mutex

	srv   *http3.Server
	pc    net.PacketConn
	addr  string
	close func() error
}

// NewAgent creates an agent bound to addr with the given TLS config.
func NewAgent(addr string, tlsCfg *tls.Config, backend Backend) *Agent {
	a := &Agent{backend: backend, addr: addr}

	mux := http.NewServeMux()
	mux.HandleFunc(ExecutePath, a.handleExecute)
	a.srv = &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: mux}

	return a
}

// Start begins serving. Use the returned address when addr ends with ":0".
func (a *Agent) Start() (string, error) {
	var err error

	a.pc, err = net.ListenPacket("udp", a.addr)
	if err != nil {
		return "", err
	}

	done := make(chan struct{})
	go func() {
		_ = a.srv.Serve(a.pc)
		close(done)
	}()

	a.close = func() error {
		_ = a.srv.Close()
		_ = a.pc.Close()

		select {
		case <-done:
		case <-time.After(time.Second):
		}

		return nil
	}

	return a.pc.LocalAddr().String(), nil
}

// Stop stops the server.
func (a *Agent) Stop() error {
	if a.close != nil {
		return a.close()
	}

	return nil
}

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequest))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	actions, err := compiler.DecodeActions(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	res, err := a.backend.Execute(r.Context(), actions)
	a.mu.Unlock()

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// RemoteBackend forwards executions to an Agent.
type RemoteBackend struct {
	client *http.Client
	url    string
}

// NewRemoteBackend returns a backend talking to the agent at addr.
func NewRemoteBackend(addr string, tlsCfg *tls.Config, timeout time.Duration) *RemoteBackend {
	tr := &http3.RoundTripper{TLSClientConfig: tlsCfg}

	return &RemoteBackend{
		client: &http.Client{Transport: tr, Timeout: timeout},
		url:    "https://" + addr + ExecutePath,
	}
}

func (b *RemoteBackend) Execute(ctx context.Context, actions []compiler.Action) (*Result, error) {
	var body bytes.Buffer
	if err := compiler.EncodeActions(&body, actions); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, &body)
	if err != nil {
		return nil, ferrors.ExecutionFailed("remote", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Verdict: VerdictTimeout}, nil
		}

		return nil, ferrors.ExecutionFailed("remote", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, ferrors.ExecutionFailed("remote", fmt.Errorf("agent returned %s: %s", resp.Status, bytes.TrimSpace(msg)))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, ferrors.ExecutionFailed("remote", err)
	}

	return &res, nil
}

// Close shuts down the HTTP/3 round tripper.
func (b *RemoteBackend) Close() error {
	if tr, ok := b.client.Transport.(*http3.RoundTripper); ok {
		return tr.Close()
	}

	return nil
}
