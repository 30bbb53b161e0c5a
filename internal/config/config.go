// Package config loads process configuration for the client shell and the
// room server. Sources, lowest precedence first: built-in defaults, a .env
// file, the environment, command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/saintparish4/rendezvous/internal/roomserver"
	"github.com/saintparish4/rendezvous/pkg/holepunch"
	"github.com/saintparish4/rendezvous/pkg/stun"
)

// Environment variables
const (
	EnvSTUNServer     = "STUN_SERVER"
	EnvStorePath      = "NETPLAY_STORE"
	EnvRoomServerURL  = "ROOM_SERVER_URL"
	EnvStatusAddr     = "NETPLAY_STATUS_ADDR"
	EnvLogLevel       = "LOG_LEVEL"
	EnvPunchTimeout   = "PUNCH_TIMEOUT"
	EnvRoomHost       = "ROOM_SERVER_HOST"
	EnvRoomPort       = "ROOM_SERVER_PORT"
	EnvRoomUDPPort    = "ROOM_SERVER_UDP_PORT"
	EnvRoomAPIKey     = "ROOM_SERVER_API_KEY"
	EnvRoomLogConns   = "ROOM_SERVER_LOG_CONNECTIONS"
	EnvLegacyLogConns = "SNO_LOG_CONNECTIONS"
	EnvRedisURL       = "REDIS_URL"
)

const DefaultStorePath = "netplay.env"

// Client configures cmd/netplay
type Client struct {
	STUNServers   []string
	StorePath     string
	RoomServerURL string
	// StatusAddr enables the WebSocket status feed when set
	StatusAddr   string
	PunchTimeout time.Duration
	LogLevel     slog.Level
	// Args are the non-flag arguments, run as one shell command
	Args []string
}

// Server configures cmd/roomserver
type Server struct {
	Room     roomserver.Config
	RedisURL string
	LogLevel slog.Level
}

// LoadDotEnv reads files into the environment without overriding what is
// already set. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadClient(args []string) (Client, error) {
	if err := LoadDotEnv(); err != nil {
		return Client{}, err
	}

	cfg := Client{
		STUNServers:   splitList(os.Getenv(EnvSTUNServer)),
		StorePath:     envOr(EnvStorePath, DefaultStorePath),
		RoomServerURL: os.Getenv(EnvRoomServerURL),
		StatusAddr:    os.Getenv(EnvStatusAddr),
		PunchTimeout:  holepunch.DefaultTimeout,
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = append([]string(nil), stun.DefaultServers...)
	}
	if v := os.Getenv(EnvPunchTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Client{}, fmt.Errorf("%s: %w", EnvPunchTimeout, err)
		}
		cfg.PunchTimeout = d
	}
	level, err := ParseLevel(envOr(EnvLogLevel, "info"))
	if err != nil {
		return Client{}, err
	}
	cfg.LogLevel = level

	fset := flag.NewFlagSet("netplay", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	stunList := fset.String("stun", strings.Join(cfg.STUNServers, ","), "comma separated STUN servers")
	fset.StringVar(&cfg.StorePath, "store", cfg.StorePath, "session parameter file")
	fset.StringVar(&cfg.RoomServerURL, "room-server", cfg.RoomServerURL, "default room server base URL")
	fset.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "serve the status feed on this address")
	fset.DurationVar(&cfg.PunchTimeout, "punch-timeout", cfg.PunchTimeout, "give up hole punching after this long")
	levelName := fset.String("log-level", cfg.LogLevel.String(), "debug, info, warn or error")
	if err := fset.Parse(args); err != nil {
		return Client{}, err
	}

	cfg.STUNServers = splitList(*stunList)
	if len(cfg.STUNServers) == 0 {
		return Client{}, errors.New("at least one STUN server is required")
	}
	if cfg.LogLevel, err = ParseLevel(*levelName); err != nil {
		return Client{}, err
	}
	cfg.Args = fset.Args()
	return cfg, nil
}

func LoadServer(args []string) (Server, error) {
	if err := LoadDotEnv(); err != nil {
		return Server{}, err
	}

	room := roomserver.DefaultConfig()
	defHost, defPort, _ := net.SplitHostPort(room.Addr)
	host := envOr(EnvRoomHost, defHost)
	port, err := envInt(EnvRoomPort, mustAtoi(defPort))
	if err != nil {
		return Server{}, err
	}
	udpPort, err := envInt(EnvRoomUDPPort, 0)
	if err != nil {
		return Server{}, err
	}
	level, err := ParseLevel(envOr(EnvLogLevel, "info"))
	if err != nil {
		return Server{}, err
	}

	cfg := Server{RedisURL: os.Getenv(EnvRedisURL), LogLevel: level}
	room.APIKey = os.Getenv(EnvRoomAPIKey)
	room.LogConnections = truthy(os.Getenv(EnvRoomLogConns)) || truthy(os.Getenv(EnvLegacyLogConns))

	fset := flag.NewFlagSet("roomserver", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	fset.StringVar(&host, "host", host, "listen host")
	fset.IntVar(&port, "port", port, "HTTP listen port")
	fset.IntVar(&udpPort, "udp-port", udpPort, "UDP helper port, 0 for the HTTP port")
	defaultTTL := fset.Int("default-ttl", int(room.DefaultTTL/time.Second), "room lifetime in seconds")
	maxTTL := fset.Int("max-ttl", int(room.MaxTTL/time.Second), "upper bound for requested lifetimes in seconds")
	fset.StringVar(&room.APIKey, "api-key", room.APIKey, "require X-API-Key for PUT, DELETE and POST /rooms")
	fset.BoolVar(&room.LogConnections, "log-connections", room.LogConnections, "log every rendezvous request")
	fset.IntVar(&room.BcryptCost, "bcrypt-cost", room.BcryptCost, "bcrypt cost for room passwords")
	fset.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "keep rooms in Redis at this URL or address")
	levelName := fset.String("log-level", cfg.LogLevel.String(), "debug, info, warn or error")
	if err := fset.Parse(args); err != nil {
		return Server{}, err
	}

	if port <= 0 || port > 65535 {
		return Server{}, fmt.Errorf("invalid port %d", port)
	}
	if udpPort < 0 || udpPort > 65535 {
		return Server{}, fmt.Errorf("invalid udp port %d", udpPort)
	}
	room.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	if udpPort > 0 {
		room.UDPAddr = net.JoinHostPort(host, strconv.Itoa(udpPort))
	}
	room.DefaultTTL = time.Duration(max(30, *defaultTTL)) * time.Second
	room.MaxTTL = time.Duration(max(60, *maxTTL)) * time.Second
	room.APIKey = strings.TrimSpace(room.APIKey)
	if cfg.LogLevel, err = ParseLevel(*levelName); err != nil {
		return Server{}, err
	}
	cfg.Room = room
	return cfg, nil
}

// ParseLevel accepts slog level names, case-insensitively
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the process logger. The returned LevelVar can be changed
// at runtime.
func NewLogger(level slog.Level, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level)
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return slog.New(h), lv
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
