package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config representa a configuração do Gwaihir
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pool    PoolConfig    `yaml:"pool"`
	Apps    AppsConfig    `yaml:"apps"`
	Spawn   SpawnConfig   `yaml:"spawn"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configuração do servidor HTTP
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Admin          string        `yaml:"admin"`
	ReadTimeout    time.Duration `yaml:"-"`
	WriteTimeout   time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`
	// Campos para parsing YAML (inteiros em segundos)
	ReadTimeoutSecs    int `yaml:"read_timeout"`
	WriteTimeoutSecs   int `yaml:"write_timeout"`
	RequestTimeoutSecs int `yaml:"request_timeout"`
}

// PoolConfig configuração do pool de aplicações
type PoolConfig struct {
	Max         int `yaml:"max"`          // Teto global de workers no pool
	MaxPerApp   int `yaml:"max_per_app"`  // Teto de workers por aplicação
	MaxIdleSecs int `yaml:"max_idle_secs"` // Segundos ociosos até o worker ser descartado

	// Modo de operação do pool (mutuamente exclusivos):
	// listen: expõe o pool local em um unix socket para outros processos
	// connect: usa um pool remoto em vez de manter um pool próprio
	Listen  string `yaml:"listen"`
	Connect string `yaml:"connect"`
}

// AppsConfig configuração das aplicações servidas
type AppsConfig struct {
	DocumentRoot   string            `yaml:"document_root"`
	RailsBaseURIs  []string          `yaml:"rails_base_uris"`
	RackBaseURIs   []string          `yaml:"rack_base_uris"`
	Autodetect     AutodetectConfig  `yaml:"autodetect"`
	Environment    string            `yaml:"environment"`
	SpawnMethod    string            `yaml:"spawn_method"` // "smart" ou "conservative"
	LowerPrivilege bool              `yaml:"lower_privilege"`
	FallbackUser   string            `yaml:"fallback_user"`
	Env            map[string]string `yaml:"env"` // Variáveis extras repassadas a cada request
}

// AutodetectConfig liga/desliga a detecção automática por tipo de aplicação
type AutodetectConfig struct {
	Rails bool `yaml:"rails"`
	Rack  bool `yaml:"rack"`
	WSGI  bool `yaml:"wsgi"`
}

// SpawnConfig configuração do spawn server externo
type SpawnConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// LoggingConfig configuração de logging
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig retorna a configuração padrão
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8899,
			Admin:              "webmaster@localhost",
			ReadTimeout:        60 * time.Second,
			WriteTimeout:       60 * time.Second,
			RequestTimeout:     300 * time.Second,
			ReadTimeoutSecs:    60,
			WriteTimeoutSecs:   60,
			RequestTimeoutSecs: 300,
		},
		Pool: PoolConfig{
			Max:         6,
			MaxPerApp:   6,
			MaxIdleSecs: 120,
		},
		Apps: AppsConfig{
			Autodetect: AutodetectConfig{
				Rails: true,
				Rack:  true,
				WSGI:  true,
			},
			Environment:    "production",
			SpawnMethod:    "smart",
			LowerPrivilege: true,
			FallbackUser:   "nobody",
		},
		Spawn: SpawnConfig{
			Command: "gwaihir-spawn-server",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig carrega configuração de um arquivo YAML
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Usa configuração padrão se arquivo não existe
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Converte valores inteiros de segundos para time.Duration
	if cfg.Server.ReadTimeoutSecs > 0 {
		cfg.Server.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second
	}
	if cfg.Server.WriteTimeoutSecs > 0 {
		cfg.Server.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second
	}
	if cfg.Server.RequestTimeoutSecs > 0 {
		cfg.Server.RequestTimeout = time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second
	}

	// Normaliza: max_per_app nunca acima do teto global
	if cfg.Pool.MaxPerApp <= 0 || cfg.Pool.MaxPerApp > cfg.Pool.Max {
		cfg.Pool.MaxPerApp = cfg.Pool.Max
	}

	return cfg, nil
}

// Validate valida a configuração
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("porta inválida: %d", c.Server.Port)
	}

	if c.Pool.Max < 1 {
		return fmt.Errorf("pool.max must be at least 1")
	}
	if c.Pool.MaxPerApp < 1 || c.Pool.MaxPerApp > c.Pool.Max {
		return fmt.Errorf("must be 1 <= max_per_app <= max (current: max_per_app=%d max=%d)",
			c.Pool.MaxPerApp, c.Pool.Max)
	}
	if c.Pool.MaxIdleSecs < 0 {
		return fmt.Errorf("pool.max_idle_secs deve ser >= 0")
	}
	if c.Pool.Listen != "" && c.Pool.Connect != "" {
		return fmt.Errorf("pool.listen and pool.connect are mutually exclusive - enable only one")
	}

	if c.Apps.DocumentRoot == "" {
		return fmt.Errorf("apps.document_root is required")
	}
	if c.Apps.Environment == "" {
		return fmt.Errorf("apps.environment não pode ser vazio")
	}
	if c.Apps.SpawnMethod != "smart" && c.Apps.SpawnMethod != "conservative" {
		return fmt.Errorf("invalid spawn_method: %s (must be smart or conservative)", c.Apps.SpawnMethod)
	}
	if c.Apps.FallbackUser == "" {
		return fmt.Errorf("apps.fallback_user não pode ser vazio")
	}

	if c.Pool.Connect == "" && c.Spawn.Command == "" {
		return fmt.Errorf("spawn.command is required when running a local pool")
	}

	if c.Server.RequestTimeout < 1*time.Second {
		return fmt.Errorf("request_timeout muito baixo: %v", c.Server.RequestTimeout)
	}

	return nil
}

// Address retorna o endereço completo do servidor
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
