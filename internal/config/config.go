// Package config loads the relay's runtime parameters.
//
// Values come from two sources.  An optional key=value file (the relay's
// historical server.conf, with lines such as "host=127.0.0.1") is read first;
// its keys are upper-cased and prefixed with RELAY_ when they are not already.
// The process environment is applied on top and always wins.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const envPrefix = "RELAY_"

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config captures the relay runtime parameters.
type Config struct {
	Host     string `env:"RELAY_HOST,default=127.0.0.1" validate:"required"`
	Port     int    `env:"RELAY_PORT,default=8080" validate:"min=0,max=65535"`
	LogLevel string `env:"RELAY_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`

	Framing      string `env:"RELAY_FRAMING,default=length" validate:"oneof=length raw"`
	MaxFrameSize int    `env:"RELAY_MAX_FRAME_SIZE,default=65536" validate:"min=1024,max=16777216"`

	HistoryBackend string        `env:"RELAY_HISTORY_BACKEND,default=sqlite" validate:"oneof=sqlite badger memory"`
	HistoryPath    string        `env:"RELAY_HISTORY_PATH,default=./data/history.db" validate:"required_unless=HistoryBackend memory"`
	ReplayLimit    int           `env:"RELAY_REPLAY_LIMIT,default=50" validate:"min=0"`
	ReplayPacing   time.Duration `env:"RELAY_REPLAY_PACING,default=20ms" validate:"min=0"`

	SendBuffer        int           `env:"RELAY_SEND_BUFFER,default=256" validate:"gtfield=ReplayLimit"`
	WriteTimeout      time.Duration `env:"RELAY_WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	NicknameTimeout   time.Duration `env:"RELAY_NICKNAME_TIMEOUT,default=10s" validate:"min=0"`
	ShutdownTimeout   time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT,default=5s" validate:"gt=0"`
	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL,default=30s" validate:"min=0"`
	MetricsAddr       string        `env:"RELAY_METRICS_ADDR" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// Load reads the key=value file at path (if any) and the environment.
func Load(path string) (Config, error) {
	es, err := env.EnvironToEnvSet(environ())
	if err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	if path != "" {
		file, err := godotenv.Read(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		for key, value := range file {
			name := fileKey(key)
			if _, set := es[name]; !set {
				es[name] = value
			}
		}
	}

	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Address is the host:port the relay listens on.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func fileKey(key string) string {
	name := strings.ToUpper(strings.TrimSpace(key))
	if !strings.HasPrefix(name, envPrefix) {
		name = envPrefix + name
	}
	return name
}

// split out for testing.
var environ = os.Environ
