package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Spawner é a interface que o pool usa para criar workers novos.
type Spawner interface {
	Spawn(key string, opts SpawnOptions) (*Worker, error)
	Pid() int
	Close() error
}

// SpawnServer coordena um único spawn server externo de vida longa,
// alcançado por um socketpair criado na inicialização. Todos os spawns
// serializam no mutex próprio do coordenador, independente do lock do
// pool. Na morte do canal é feita exatamente uma tentativa transparente
// de reiniciar o filho antes de propagar SpawnError.
type SpawnServer struct {
	mu      sync.Mutex
	command string
	args    []string
	logger  *Logger

	// connect abre o canal de controle; substituível em testes
	connect func() (io.ReadWriteCloser, *exec.Cmd, error)

	conn     io.ReadWriteCloser
	channel  *MessageChannel
	cmd      *exec.Cmd
	pid      int
	detached bool
}

func NewSpawnServer(command string, args []string, logger *Logger) (*SpawnServer, error) {
	s := &SpawnServer{
		command: command,
		args:    args,
		logger:  logger,
	}
	s.connect = s.launch
	if err := s.start(); err != nil {
		return nil, fmt.Errorf("failed to start spawn server: %w", err)
	}
	return s, nil
}

// launch cria o socketpair e executa o spawn server com a ponta filha
// no fd 3.
func (s *SpawnServer) launch() (io.ReadWriteCloser, *exec.Cmd, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "spawn-server-channel")
	child := os.NewFile(uintptr(fds[1]), "spawn-server-peer")
	defer child.Close()

	cmd := exec.Command(s.command, s.args...)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child}

	if err := cmd.Start(); err != nil {
		parent.Close()
		return nil, nil, fmt.Errorf("failed to start %s: %w", s.command, err)
	}
	return parent, cmd, nil
}

func (s *SpawnServer) start() error {
	conn, cmd, err := s.connect()
	if err != nil {
		return err
	}
	s.conn = conn
	s.channel = NewMessageChannel(conn)
	s.cmd = cmd
	if cmd != nil && cmd.Process != nil {
		s.pid = cmd.Process.Pid
	}
	s.detached = false
	return nil
}

// Spawn pede ao spawn server uma instância nova da aplicação em key.
func (s *SpawnServer) Spawn(key string, opts SpawnOptions) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		if err := s.start(); err != nil {
			return nil, &SpawnError{Message: fmt.Sprintf("the spawn server is down and could not be restarted: %v", err)}
		}
	}

	worker, err := s.spawnOnce(key, opts)
	if err == nil {
		return worker, nil
	}
	var spawnErr *SpawnError
	if errors.As(err, &spawnErr) {
		// Resposta de erro limpa do spawn server; o canal continua bom
		return nil, err
	}

	// Canal morreu no meio do round-trip: uma tentativa de restart
	s.logger.Warn("spawn server channel died (%v), restarting", err)
	s.teardownLocked()
	if err := s.start(); err != nil {
		return nil, &SpawnError{Message: fmt.Sprintf("could not restart the spawn server: %v", err)}
	}
	s.logger.Info("spawn server restarted (PID %d)", s.pid)

	worker, err = s.spawnOnce(key, opts)
	if err != nil {
		if errors.As(err, &spawnErr) {
			return nil, err
		}
		s.teardownLocked()
		return nil, &SpawnError{Message: err.Error()}
	}
	return worker, nil
}

// spawnOnce faz um round-trip spawn_application. Erros que não são
// *SpawnError indicam canal quebrado.
func (s *SpawnServer) spawnOnce(key string, opts SpawnOptions) (*Worker, error) {
	lower := "false"
	if opts.LowerPrivilege {
		lower = "true"
	}
	err := s.channel.WriteArray("spawn_application", key, opts.AppType,
		opts.Environment, opts.SpawnMethod, lower, opts.FallbackUser)
	if err != nil {
		return nil, err
	}

	reply, err := s.channel.ReadArray()
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("empty reply from spawn server")
	}

	switch reply[0] {
	case "ok":
		if len(reply) < 3 {
			return nil, fmt.Errorf("malformed ok reply: %d fields", len(reply))
		}
		pid, err := strconv.Atoi(reply[1])
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("pid inválido na resposta do spawn server: %q", reply[1])
		}
		worker := &Worker{
			Key:      key,
			AppType:  opts.AppType,
			Pid:      pid,
			Endpoint: reply[2],
			opts:     opts,
			state:    WorkerStateSpawning,
			lastUsed: time.Now(),
		}
		worker.shutdown = func() {
			_ = unix.Kill(pid, unix.SIGTERM)
		}
		return worker, nil

	case "error":
		message := "the spawn server did not report an error message"
		if len(reply) > 1 {
			message = reply[1]
		}
		spawnErr := &SpawnError{Message: message}
		if opts.AppType == "rails" {
			// Para Rails o spawn server sempre manda um scalar em
			// seguida; vazio significa que não há página de erro.
			page, err := s.channel.ReadScalar()
			if err != nil {
				s.logger.Warn("failed to read spawn error page: %v", err)
				s.teardownLocked()
			} else if len(page) > 0 {
				spawnErr.HasErrorPage = true
				spawnErr.ErrorPage = string(page)
			}
		}
		return nil, spawnErr

	default:
		return nil, fmt.Errorf("unexpected reply status %q from spawn server", reply[0])
	}
}

// Pid retorna o PID do spawn server
func (s *SpawnServer) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Detach fecha o canal de controle do lado pai sem derrubar o filho.
// Chamado uma vez por processo host após o fork.
func (s *SpawnServer) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.channel = nil
	}
	s.cmd = nil
	s.detached = true
}

// teardownLocked derruba o canal e o filho sem esperar educadamente.
func (s *SpawnServer) teardownLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.channel = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		go s.cmd.Wait()
	}
	s.cmd = nil
}

// Close encerra o spawn server: fecha o canal, SIGTERM, e SIGKILL se o
// processo não sair em tempo.
func (s *SpawnServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.channel = nil
	}
	if s.detached || s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	s.cmd.Process.Signal(unix.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.cmd.Process.Kill()
		<-done
	}
	s.cmd = nil
	return nil
}
