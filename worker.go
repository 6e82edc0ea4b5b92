package main

import (
	"net"
	"strings"
	"time"
)

type WorkerState int

const (
	WorkerStateSpawning WorkerState = iota
	WorkerStateIdle
	WorkerStateBusy
	WorkerStateRetiring
	WorkerStateDead
)

// SpawnOptions descreve como uma aplicação deve ser iniciada. Workers
// com a mesma chave mas opções diferentes não são intercambiáveis.
type SpawnOptions struct {
	AppType        string // "rails", "rack" ou "wsgi"
	Environment    string // RAILS_ENV/RACK_ENV equivalente; nunca vazio
	SpawnMethod    string // "smart" ou "conservative"
	LowerPrivilege bool
	FallbackUser   string // usuário usado se baixar privilégio falhar; nunca vazio
}

func (o SpawnOptions) equal(other SpawnOptions) bool {
	return o == other
}

// Worker é a referência a uma instância viva de aplicação. O processo
// em si é filho do spawn server, que é quem faz o reaping; o engine
// conhece apenas o PID e o endpoint de escuta.
type Worker struct {
	Key        string // application root canônico
	AppType    string
	Pid        int
	Endpoint   string
	Generation uint64

	opts     SpawnOptions
	sessions uint32
	lastUsed time.Time
	state    WorkerState
	doomed   bool // retirar no próximo release (restart ou clear)
	tracked  bool // ainda contabilizado no pool

	// shutdown é instalado por quem criou o worker e pede o encerramento
	// do processo. O reaping continua com o spawn server.
	shutdown func()
}

// dial abre um stream novo para o endpoint do worker. Endpoints que
// começam com '/' são unix sockets, o resto é tratado como TCP.
func (w *Worker) dial(timeout time.Duration) (net.Conn, error) {
	network := "tcp"
	if strings.HasPrefix(w.Endpoint, "/") {
		network = "unix"
	}
	return net.DialTimeout(network, w.Endpoint, timeout)
}

// terminate pede para o worker encerrar. Melhor esforço e idempotente.
func (w *Worker) terminate() {
	if w.shutdown != nil {
		w.shutdown()
		w.shutdown = nil
	}
}

func workerStateString(s WorkerState) string {
	switch s {
	case WorkerStateSpawning:
		return "spawning"
	case WorkerStateIdle:
		return "idle"
	case WorkerStateBusy:
		return "busy"
	case WorkerStateRetiring:
		return "retiring"
	case WorkerStateDead:
		return "dead"
	default:
		return "unknown"
	}
}
