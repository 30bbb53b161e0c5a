// Package store persists the last resolved session parameters so a restart
// resumes the right role. Every update rewrites the whole record at once.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// DefaultLocalPort is the UDP port used when none was saved
const DefaultLocalPort = 7000

// Parameters is the persisted session record
type Parameters struct {
	CorePath         string
	ROMPath          string
	NetplayEnabled   bool
	LocalPort        uint16
	OnscreenControls bool
	SaveButton       bool

	Role       types.Role
	RemoteHost string
	RemotePort uint16
	Secret     string
	// ConnectionCode is the code this device produced as host or last
	// accepted as joiner
	ConnectionCode string

	RoomServerURL string
	RoomCode      string
	RoomPassword  string
}

// Defaults is the record of a fresh install
func Defaults() Parameters {
	return Parameters{
		LocalPort:        DefaultLocalPort,
		OnscreenControls: true,
		SaveButton:       true,
		Role:             types.RoleHost,
	}
}

// Remote is the saved peer endpoint, zero when unset
func (p Parameters) Remote() types.Endpoint {
	if p.RemoteHost == "" || p.RemotePort == 0 {
		return types.Endpoint{}
	}
	return types.Endpoint{Host: p.RemoteHost, Port: p.RemotePort}
}

// ClearSession is the cancel batch: code, role, remote and secret reset
func ClearSession(p *Parameters) {
	p.ConnectionCode = ""
	p.Role = types.RoleHost
	p.RemoteHost = ""
	p.RemotePort = 0
	p.Secret = ""
}

// Store is last-writer-wins key-value persistence of one Parameters record
type Store interface {
	Load() (Parameters, error)
	// Update applies fn to the current record and persists the result as one
	// batch. A reader never sees a partially applied fn.
	Update(fn func(*Parameters)) (Parameters, error)
}

// MemoryStore keeps the record in process
type MemoryStore struct {
	mu sync.RWMutex
	p  Parameters
}

// NewMemoryStore starts from Defaults
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{p: Defaults()}
}

func (s *MemoryStore) Load() (Parameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p, nil
}

func (s *MemoryStore) Update(fn func(*Parameters)) (Parameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.p
	fn(&next)
	s.p = next
	return next, nil
}

// Keys in the dotenv file
const (
	keyCorePath         = "CORE_PATH"
	keyROMPath          = "ROM_PATH"
	keyNetplayEnabled   = "NETPLAY_ENABLED"
	keyLocalPort        = "LOCAL_PORT"
	keyOnscreenControls = "ONSCREEN_CONTROLS"
	keySaveButton       = "SAVE_BUTTON"
	keyRole             = "NETPLAY_ROLE"
	keyRemoteHost       = "REMOTE_HOST"
	keyRemotePort       = "REMOTE_PORT"
	keySecret           = "NETPLAY_SECRET"
	keyConnectionCode   = "CONNECTION_CODE"
	keyRoomServerURL    = "ROOM_SERVER_URL"
	keyRoomCode         = "ROOM_CODE"
	keyRoomPassword     = "ROOM_PASSWORD"
)

// FileStore persists the record as a dotenv file. Writes go to a temp file
// in the same directory which is then renamed over the old one.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore does not touch the disk; a missing file loads as Defaults
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path is the backing file
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (Parameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) Update(fn func(*Parameters)) (Parameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load()
	if err != nil {
		return Parameters{}, err
	}
	fn(&p)
	if err := s.save(p); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

func (s *FileStore) load() (Parameters, error) {
	env, err := godotenv.Read(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Parameters{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	return fromMap(env), nil
}

func (s *FileStore) save(p Parameters) error {
	content, err := godotenv.Marshal(toMap(p))
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

func toMap(p Parameters) map[string]string {
	return map[string]string{
		keyCorePath:         p.CorePath,
		keyROMPath:          p.ROMPath,
		keyNetplayEnabled:   strconv.FormatBool(p.NetplayEnabled),
		keyLocalPort:        strconv.Itoa(int(p.LocalPort)),
		keyOnscreenControls: strconv.FormatBool(p.OnscreenControls),
		keySaveButton:       strconv.FormatBool(p.SaveButton),
		keyRole:             strconv.Itoa(int(p.Role)),
		keyRemoteHost:       p.RemoteHost,
		keyRemotePort:       strconv.Itoa(int(p.RemotePort)),
		keySecret:           p.Secret,
		keyConnectionCode:   p.ConnectionCode,
		keyRoomServerURL:    p.RoomServerURL,
		keyRoomCode:         p.RoomCode,
		keyRoomPassword:     p.RoomPassword,
	}
}

// fromMap starts from Defaults so keys missing from older files keep their
// default values
func fromMap(env map[string]string) Parameters {
	p := Defaults()

	str := func(key string, dst *string) {
		if v, ok := env[key]; ok {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := env[key]; ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	port := func(key string, dst *uint16) {
		if v, ok := env[key]; ok {
			if n, err := strconv.Atoi(v); err == nil && (n == 0 || types.ValidPort(n)) {
				*dst = uint16(n)
			}
		}
	}

	str(keyCorePath, &p.CorePath)
	str(keyROMPath, &p.ROMPath)
	flag(keyNetplayEnabled, &p.NetplayEnabled)
	port(keyLocalPort, &p.LocalPort)
	flag(keyOnscreenControls, &p.OnscreenControls)
	flag(keySaveButton, &p.SaveButton)
	str(keyRemoteHost, &p.RemoteHost)
	port(keyRemotePort, &p.RemotePort)
	str(keySecret, &p.Secret)
	str(keyConnectionCode, &p.ConnectionCode)
	str(keyRoomServerURL, &p.RoomServerURL)
	str(keyRoomCode, &p.RoomCode)
	str(keyRoomPassword, &p.RoomPassword)

	if v, ok := env[keyRole]; ok {
		if n, err := strconv.Atoi(v); err == nil && (n == int(types.RoleHost) || n == int(types.RoleJoin)) {
			p.Role = types.Role(n)
		}
	}
	if p.LocalPort == 0 {
		p.LocalPort = DefaultLocalPort
	}
	return p
}
