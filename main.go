package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	version = "1.1.0"
	banner  = `
  ____                _ _     _
 / ___|_      ____ _ (_) |__ (_)_ __
| |  _\ \ /\ / / _` + "`" + ` || | '_ \| | '__|
| |_| |\ V  V / (_| || | | | | | |
 \____| \_/\_/ \__,_||_|_| |_|_|_|

Application Engine v%s
The Engine that Carries Your Applications
`
)

type Server struct {
	config     *Config
	spawner    *SpawnServer
	pool       Pool
	poolServer *PoolServer
	dispatcher *Dispatcher
	httpServer *http.Server
	logger     *Logger
	metrics    *Metrics
}

type Metrics struct {
	RequestsTotal   int64
	RequestsSuccess int64
	RequestsError   int64
	RequestsActive  int32
}

func NewServer(cfg *Config) *Server {
	return &Server{
		config:  cfg,
		logger:  NewLogger(cfg.Logging.Level),
		metrics: &Metrics{},
	}
}

func (s *Server) Start() error {
	if s.config.Pool.Connect != "" {
		s.logger.Info("Mode: forwarded pool at %s", s.config.Pool.Connect)
		client, err := NewPoolClient(s.config.Pool.Connect)
		if err != nil {
			return err
		}
		s.pool = client
	} else {
		s.logger.Info("Mode: local pool (max=%d, max_per_app=%d, max_idle=%ds)",
			s.config.Pool.Max, s.config.Pool.MaxPerApp, s.config.Pool.MaxIdleSecs)
		spawner, err := NewSpawnServer(s.config.Spawn.Command, s.config.Spawn.Args, s.logger)
		if err != nil {
			return err
		}
		s.spawner = spawner
		s.logger.Info("Spawn server started (PID %d)", spawner.Pid())

		pool := NewStandardPool(spawner, s.config.Pool.Max, s.config.Pool.MaxPerApp,
			s.config.Pool.MaxIdleSecs, s.logger)
		s.pool = pool

		if s.config.Pool.Listen != "" {
			poolServer, err := NewPoolServer(pool, s.config.Pool.Listen, s.logger)
			if err != nil {
				spawner.Close()
				return err
			}
			s.poolServer = poolServer
			s.logger.Info("Pool exposed at %s", s.config.Pool.Listen)
		}
	}

	s.dispatcher = NewDispatcher(s.config, s.pool, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.HandleFunc("/engine/health", s.handleHealth)
	mux.HandleFunc("/engine/metrics", s.handleMetrics)
	mux.HandleFunc("/engine/workers", s.handleWorkers)

	s.httpServer = &http.Server{
		Addr:         s.config.Address(),
		Handler:      mux,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		s.logger.Info("HTTP server started at http://%s (docroot: %s)",
			s.config.Address(), s.config.Apps.DocumentRoot)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.metrics.RequestsTotal, 1)
	atomic.AddInt32(&s.metrics.RequestsActive, 1)
	defer atomic.AddInt32(&s.metrics.RequestsActive, -1)

	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	s.dispatcher.ServeHTTP(recorder, r)

	if recorder.status >= 500 {
		atomic.AddInt64(&s.metrics.RequestsError, 1)
	} else {
		atomic.AddInt64(&s.metrics.RequestsSuccess, 1)
	}
	s.logger.Debug("%s %s %d %v", r.Method, r.URL.Path, recorder.status, time.Since(start))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","workers":%d,"active":%d}`,
		s.pool.GetCount(), s.pool.GetActive())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP gwaihir_requests_total Total de requests processados\n")
	fmt.Fprintf(w, "# TYPE gwaihir_requests_total counter\n")
	fmt.Fprintf(w, "gwaihir_requests_total %d\n", atomic.LoadInt64(&s.metrics.RequestsTotal))

	fmt.Fprintf(w, "# HELP gwaihir_requests_success Requests com sucesso\n")
	fmt.Fprintf(w, "# TYPE gwaihir_requests_success counter\n")
	fmt.Fprintf(w, "gwaihir_requests_success %d\n", atomic.LoadInt64(&s.metrics.RequestsSuccess))

	fmt.Fprintf(w, "# HELP gwaihir_requests_error Requests com erro\n")
	fmt.Fprintf(w, "# TYPE gwaihir_requests_error counter\n")
	fmt.Fprintf(w, "gwaihir_requests_error %d\n", atomic.LoadInt64(&s.metrics.RequestsError))

	fmt.Fprintf(w, "# HELP gwaihir_requests_active Requests ativos\n")
	fmt.Fprintf(w, "# TYPE gwaihir_requests_active gauge\n")
	fmt.Fprintf(w, "gwaihir_requests_active %d\n", atomic.LoadInt32(&s.metrics.RequestsActive))

	fmt.Fprintf(w, "# HELP gwaihir_pool_workers Workers no pool\n")
	fmt.Fprintf(w, "# TYPE gwaihir_pool_workers gauge\n")
	fmt.Fprintf(w, "gwaihir_pool_workers %d\n", s.pool.GetCount())

	fmt.Fprintf(w, "# HELP gwaihir_pool_active Workers ocupados\n")
	fmt.Fprintf(w, "# TYPE gwaihir_pool_active gauge\n")
	fmt.Fprintf(w, "gwaihir_pool_active %d\n", s.pool.GetActive())

	fmt.Fprintf(w, "# HELP gwaihir_spawn_server_pid PID do spawn server\n")
	fmt.Fprintf(w, "# TYPE gwaihir_spawn_server_pid gauge\n")
	fmt.Fprintf(w, "gwaihir_spawn_server_pid %d\n", s.pool.GetSpawnServerPid())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	payload := map[string]interface{}{
		"workers": s.pool.GetCount(),
		"active":  s.pool.GetActive(),
	}
	if standard, ok := s.pool.(*StandardPool); ok {
		payload["detail"] = standard.WorkersDetail()
	}
	_ = enc.Encode(payload)
}

func (s *Server) Stop() error {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to stop HTTP server: %v", err)
	}

	if s.poolServer != nil {
		s.poolServer.Close()
	}
	s.pool.Close()
	if s.spawner != nil {
		s.spawner.Close()
	}

	s.logger.Info("Server stopped successfully")
	return nil
}

func main() {
	configFile := flag.String("config", "gwaihir.yaml", "Config file path")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	docRoot := flag.String("docroot", "", "Document root (overrides config)")
	maxPool := flag.Int("max-pool", 0, "Max pool size (overrides config)")
	showVersion := flag.Bool("version", false, "Mostra versão")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Gwaihir Application Engine v%s\n", version)
		os.Exit(0)
	}

	fmt.Printf(banner, version)

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *docRoot != "" {
		cfg.Apps.DocumentRoot = *docRoot
	}
	if *maxPool > 0 {
		cfg.Pool.Max = *maxPool
		if cfg.Pool.MaxPerApp > cfg.Pool.Max {
			cfg.Pool.MaxPerApp = cfg.Pool.Max
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao iniciar servidor: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	if err := server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stop server: %v\n", err)
		os.Exit(1)
	}
}
