package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// O pool pode viver em outro processo: PoolServer expõe um
// StandardPool em um unix socket, e PoolClient implementa a mesma
// interface Pool do outro lado. O protocolo são scalar messages com
// payload msgpack. O cliente recebe o endpoint do worker e abre a
// session diretamente com ele; só o checkout e o release passam pelo
// canal de controle.

type poolRequest struct {
	Op             string `msgpack:"op"`
	Key            string `msgpack:"key,omitempty"`
	AppType        string `msgpack:"app_type,omitempty"`
	Environment    string `msgpack:"environment,omitempty"`
	SpawnMethod    string `msgpack:"spawn_method,omitempty"`
	LowerPrivilege bool   `msgpack:"lower_privilege,omitempty"`
	FallbackUser   string `msgpack:"fallback_user,omitempty"`
	Lease          uint64 `msgpack:"lease,omitempty"`
	Healthy        bool   `msgpack:"healthy,omitempty"`
	Value          int    `msgpack:"value,omitempty"`
}

type poolResponse struct {
	OK        bool   `msgpack:"ok"`
	ErrKind   string `msgpack:"err_kind,omitempty"` // "spawn", "busy", "closed", "internal"
	Message   string `msgpack:"message,omitempty"`
	ErrorPage string `msgpack:"error_page,omitempty"`
	Pid       int    `msgpack:"pid,omitempty"`
	Endpoint  string `msgpack:"endpoint,omitempty"`
	Lease     uint64 `msgpack:"lease,omitempty"`
	Value     int    `msgpack:"value,omitempty"`
}

// PoolServer atende clientes de pool em um unix socket.
type PoolServer struct {
	pool   *StandardPool
	ln     net.Listener
	logger *Logger

	mu        sync.Mutex
	nextLease uint64
	closed    bool
}

func NewPoolServer(pool *StandardPool, socketPath string, logger *Logger) (*PoolServer, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("error removing old pool socket %s: %v", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on pool socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set pool socket permissions: %w", err)
	}
	s := &PoolServer{pool: pool, ln: ln, logger: logger}
	go s.serve()
	return s, nil
}

func (s *PoolServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("pool server accept failed: %v", err)
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *PoolServer) handleConn(conn net.Conn) {
	channel := NewMessageChannel(conn)
	leases := make(map[uint64]*Worker)
	defer func() {
		conn.Close()
		// Cliente sumiu: o estado dos workers emprestados é
		// desconhecido, então eles não voltam para reuso.
		for _, w := range leases {
			s.pool.release(w, false)
		}
	}()

	for {
		payload, err := channel.ReadScalar()
		if err != nil {
			return
		}
		var req poolRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("malformed pool request: %v", err)
			return
		}

		resp := s.handleRequest(&req, leases)

		out, err := msgpack.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to serialize pool response: %v", err)
			return
		}
		if err := channel.WriteScalar(out); err != nil {
			return
		}
	}
}

func (s *PoolServer) handleRequest(req *poolRequest, leases map[uint64]*Worker) *poolResponse {
	switch req.Op {
	case "get":
		opts := SpawnOptions{
			AppType:        req.AppType,
			Environment:    req.Environment,
			SpawnMethod:    req.SpawnMethod,
			LowerPrivilege: req.LowerPrivilege,
			FallbackUser:   req.FallbackUser,
		}
		worker, err := s.pool.checkout(context.Background(), req.Key, opts)
		if err != nil {
			return poolErrorResponse(err)
		}
		s.mu.Lock()
		s.nextLease++
		lease := s.nextLease
		s.mu.Unlock()
		leases[lease] = worker
		return &poolResponse{OK: true, Pid: worker.Pid, Endpoint: worker.Endpoint, Lease: lease}

	case "release":
		worker, ok := leases[req.Lease]
		if !ok {
			return &poolResponse{ErrKind: "internal", Message: fmt.Sprintf("unknown lease %d", req.Lease)}
		}
		delete(leases, req.Lease)
		s.pool.release(worker, req.Healthy)
		return &poolResponse{OK: true}

	case "clear":
		s.pool.Clear()
		return &poolResponse{OK: true}
	case "set_max":
		s.pool.SetMax(req.Value)
		return &poolResponse{OK: true}
	case "set_max_per_app":
		s.pool.SetMaxPerApp(req.Value)
		return &poolResponse{OK: true}
	case "set_max_idle":
		s.pool.SetMaxIdleSeconds(req.Value)
		return &poolResponse{OK: true}
	case "get_active":
		return &poolResponse{OK: true, Value: s.pool.GetActive()}
	case "get_count":
		return &poolResponse{OK: true, Value: s.pool.GetCount()}
	case "get_spawn_server_pid":
		return &poolResponse{OK: true, Value: s.pool.GetSpawnServerPid()}
	default:
		return &poolResponse{ErrKind: "internal", Message: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func poolErrorResponse(err error) *poolResponse {
	var spawnErr *SpawnError
	if errors.As(err, &spawnErr) {
		return &poolResponse{ErrKind: "spawn", Message: spawnErr.Message, ErrorPage: spawnErr.ErrorPage}
	}
	var busyErr *BusyError
	if errors.As(err, &busyErr) {
		return &poolResponse{ErrKind: "busy", Message: busyErr.Message}
	}
	if errors.Is(err, ErrPoolClosed) {
		return &poolResponse{ErrKind: "closed", Message: err.Error()}
	}
	return &poolResponse{ErrKind: "internal", Message: err.Error()}
}

// Close para de aceitar clientes novos. O pool em si fica de pé.
func (s *PoolServer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ln.Close()
}

// PoolClient encaminha as operações de pool para um PoolServer. Os
// round-trips serializam no mutex do cliente.
type PoolClient struct {
	mu      sync.Mutex
	conn    net.Conn
	channel *MessageChannel
}

func NewPoolClient(socketPath string) (*PoolClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pool server: %w", err)
	}
	return &PoolClient{conn: conn, channel: NewMessageChannel(conn)}, nil
}

func (c *PoolClient) call(req *poolRequest) (*poolResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize pool request: %w", err)
	}
	if err := c.channel.WriteScalar(payload); err != nil {
		return nil, err
	}
	reply, err := c.channel.ReadScalar()
	if err != nil {
		return nil, fmt.Errorf("erro ao ler resposta do pool server: %w", err)
	}
	var resp poolResponse
	if err := msgpack.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("failed to deserialize pool response: %w", err)
	}
	return &resp, nil
}

func (c *PoolClient) Get(ctx context.Context, key string, opts SpawnOptions) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.call(&poolRequest{
		Op:             "get",
		Key:            key,
		AppType:        opts.AppType,
		Environment:    opts.Environment,
		SpawnMethod:    opts.SpawnMethod,
		LowerPrivilege: opts.LowerPrivilege,
		FallbackUser:   opts.FallbackUser,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, poolResponseError(resp)
	}

	worker := &Worker{
		Key:      key,
		AppType:  opts.AppType,
		Pid:      resp.Pid,
		Endpoint: resp.Endpoint,
		opts:     opts,
		state:    WorkerStateBusy,
		sessions: 1,
	}
	lease := resp.Lease

	conn, err := worker.dial(workerDialTimeout)
	if err != nil {
		c.call(&poolRequest{Op: "release", Lease: lease, Healthy: false})
		return nil, fmt.Errorf("failed to connect to worker PID %d: %w", worker.Pid, err)
	}
	return newSession(worker, conn, func(healthy bool) {
		c.call(&poolRequest{Op: "release", Lease: lease, Healthy: healthy})
	}), nil
}

func poolResponseError(resp *poolResponse) error {
	switch resp.ErrKind {
	case "spawn":
		return &SpawnError{
			Message:      resp.Message,
			HasErrorPage: resp.ErrorPage != "",
			ErrorPage:    resp.ErrorPage,
		}
	case "busy":
		return &BusyError{Message: resp.Message}
	case "closed":
		return ErrPoolClosed
	default:
		return fmt.Errorf("pool server error: %s", resp.Message)
	}
}

func (c *PoolClient) Clear() {
	c.call(&poolRequest{Op: "clear"})
}

func (c *PoolClient) SetMax(n int) {
	c.call(&poolRequest{Op: "set_max", Value: n})
}

func (c *PoolClient) SetMaxPerApp(n int) {
	c.call(&poolRequest{Op: "set_max_per_app", Value: n})
}

func (c *PoolClient) SetMaxIdleSeconds(secs int) {
	c.call(&poolRequest{Op: "set_max_idle", Value: secs})
}

func (c *PoolClient) GetActive() int {
	resp, err := c.call(&poolRequest{Op: "get_active"})
	if err != nil || !resp.OK {
		return 0
	}
	return resp.Value
}

func (c *PoolClient) GetCount() int {
	resp, err := c.call(&poolRequest{Op: "get_count"})
	if err != nil || !resp.OK {
		return 0
	}
	return resp.Value
}

func (c *PoolClient) GetSpawnServerPid() int {
	resp, err := c.call(&poolRequest{Op: "get_spawn_server_pid"})
	if err != nil || !resp.OK {
		return 0
	}
	return resp.Value
}

func (c *PoolClient) Close() error {
	return c.conn.Close()
}
