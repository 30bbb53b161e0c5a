package roomserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/saintparish4/rendezvous/pkg/netutil"
	"github.com/saintparish4/rendezvous/pkg/room"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Error codes returned in the error field
const (
	errCodePasswordRequired = "password_required"
	errCodeWrongPassword    = "wrong_password"
	errCodeInvalidCode      = "invalid_code"
	errCodeInvalidPort      = "invalid_port"
	errCodeNotFound         = "not_found"
	errCodeUnauthorized     = "unauthorized"
	errCodeInternal         = "internal_error"
)

const (
	headerAPIKey       = "X-API-Key"
	headerRoomPassword = "X-Room-Password"
	headerRoomPass     = "X-Room-Pass"

	defaultRoomPort = 7000
	maxBodyBytes    = 64 * 1024
)

// connectBody is the relaxed decode of room.Request plus the server-only
// fields. Absent numbers are distinguished from zero.
type connectBody struct {
	Code         string                 `json:"code"`
	CodeLength   gonull.Nullable[int]   `json:"codeLength"`
	Password     string                 `json:"password"`
	Port         gonull.Nullable[int]   `json:"port"`
	TTLSeconds   gonull.Nullable[int64] `json:"ttlSeconds"`
	CreatorToken string                 `json:"creatorToken"`
	LocalIP      string                 `json:"localIp"`
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", headerAPIKey, headerRoomPassword, headerRoomPass},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(noStore)

	r.GET("/health", s.handleHealth)
	r.POST(room.ConnectPath, s.handleConnect)
	r.POST("/rooms", s.requireAPIKey, s.handleLegacyCreate)

	rooms := r.Group("/rooms/:code", s.roomCode)
	{
		rooms.GET("", s.handleGetRoom)
		rooms.PUT("", s.requireAPIKey, s.handlePutRoom)
		rooms.DELETE("", s.requireAPIKey, s.handleDeleteRoom)
	}

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, errCodeNotFound)
	})
	return r
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Next()
}

func fail(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, room.Response{OK: false, Error: code})
}

func (s *Server) requireAPIKey(c *gin.Context) {
	if s.cfg.APIKey != "" && c.GetHeader(headerAPIKey) != s.cfg.APIKey {
		fail(c, http.StatusUnauthorized, errCodeUnauthorized)
		return
	}
	c.Next()
}

// roomCode normalises :code and stores it for the handlers
func (s *Server) roomCode(c *gin.Context) {
	code := room.NormalizeCode(c.Param("code"))
	if !ValidCode(code) {
		fail(c, http.StatusBadRequest, errCodeInvalidCode)
		return
	}
	c.Set("code", code)
	c.Next()
}

// bind decodes a JSON body. Empty or malformed bodies decode as zero, the
// same as an empty object.
func bind[T any](c *gin.Context) T {
	var v T
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	_ = c.ShouldBindJSON(&v)
	return v
}

func (s *Server) handleHealth(c *gin.Context) {
	n, err := s.store.Count(c.Request.Context())
	if err != nil {
		s.log.Warn("count rooms failed", "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "ts": s.now().Unix(), "rooms": n})
}

// handleConnect is the game-start rendezvous. The first connector creates
// the room and becomes role 1; re-posting with its creatorToken and a port
// finalises it. Everyone else is role 2 and gets the room, which is cleared
// once they have seen a finalised endpoint.
func (s *Server) handleConnect(c *gin.Context) {
	ctx := c.Request.Context()
	body := bind[connectBody](c)

	if normalizePassword(body.Password) == "" {
		fail(c, http.StatusBadRequest, errCodePasswordRequired)
		return
	}

	reqIP := clientIP(c)
	youIP := s.publicFor(ctx, reqIP)

	code := room.NormalizeCode(body.Code)
	if code == "" {
		generated, err := GenerateCode(body.CodeLength.Val)
		if err != nil {
			fail(c, http.StatusInternalServerError, errCodeInternal)
			return
		}
		code = generated
	}
	if !ValidCode(code) {
		fail(c, http.StatusBadRequest, errCodeInvalidCode)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Get(ctx, code)
	switch {
	case errors.Is(err, ErrNotFound):
		s.createRoom(c, code, body, reqIP, youIP)
	case err != nil:
		s.log.Error("load room failed", "code", code, "err", err)
		fail(c, http.StatusInternalServerError, errCodeInternal)
	default:
		s.joinRoom(c, existing, body, reqIP, youIP)
	}
}

func (s *Server) createRoom(c *gin.Context, code string, body connectBody, reqIP, youIP string) {
	hash, err := s.pw.hash(body.Password)
	if err != nil {
		fail(c, http.StatusBadRequest, errCodePasswordRequired)
		return
	}

	// The stored public IP always comes from the request, never the body.
	localIP := netutil.SanitizeLocalIP(body.LocalIP)
	if localIP == "" && isPrivateOrLoopback(reqIP) {
		if ip, ok := netutil.ParseIP(reqIP); ok && netutil.IsLoopbackIP(ip) {
			localIP = s.cfg.ServerLANIP()
		} else {
			localIP = reqIP
		}
	}
	port := 0
	if body.Port.Valid && types.ValidPort(body.Port.Val) {
		port = body.Port.Val
	}

	r := s.newRoom(code, youIP, localIP, port, hash, uuid.NewString(), body.TTLSeconds, nil)
	if err := s.store.Put(c.Request.Context(), r); err != nil {
		s.log.Error("save room failed", "code", code, "err", err)
		fail(c, http.StatusInternalServerError, errCodeInternal)
		return
	}
	s.logConn("connect create", "code", code, "by", reqIP, "youIp", youIP, "localIp", localIP, "port", port, "waiting", port == 0)

	c.JSON(http.StatusOK, room.Response{
		OK:           true,
		Created:      true,
		Role:         int(types.RoleHost),
		Waiting:      port == 0,
		CreatorToken: r.CreatorToken,
		YouIP:        youIP,
		Room:         r.Info(true),
	})
}

func (s *Server) joinRoom(c *gin.Context, existing *Room, body connectBody, reqIP, youIP string) {
	ctx := c.Request.Context()
	if !s.pw.match(existing.PasswordHash, body.Password) {
		fail(c, http.StatusForbidden, errCodeWrongPassword)
		return
	}

	isCreator := body.CreatorToken != "" && existing.CreatorToken != "" && body.CreatorToken == existing.CreatorToken
	port := 0
	if body.Port.Valid {
		port = body.Port.Val
	}

	if isCreator && existing.Port == 0 && types.ValidPort(port) {
		localIP := existing.LocalIP
		if localIP == "" {
			localIP = netutil.SanitizeLocalIP(body.LocalIP)
		}
		r := s.newRoom(existing.Code, existing.IP, localIP, port, existing.PasswordHash, existing.CreatorToken, body.TTLSeconds, existing)
		if err := s.store.Put(ctx, r); err != nil {
			s.log.Error("save room failed", "code", r.Code, "err", err)
			fail(c, http.StatusInternalServerError, errCodeInternal)
			return
		}
		s.logConn("connect finalize", "code", r.Code, "by", reqIP, "youIp", youIP, "port", port)
		c.JSON(http.StatusOK, room.Response{
			OK:    true,
			Role:  int(types.RoleHost),
			YouIP: youIP,
			Room:  r.Info(sameIP(youIP, r.IP)),
		})
		return
	}

	role := types.RoleJoin
	if isCreator {
		role = types.RoleHost
	}
	waiting := existing.Port == 0
	s.logConn("connect join", "code", existing.Code, "by", reqIP, "youIp", youIP, "role", int(role), "waiting", waiting)

	resp := room.Response{
		OK:      true,
		Role:    int(role),
		Waiting: waiting,
		YouIP:   youIP,
		Room:    existing.Info(sameIP(youIP, existing.IP)),
	}
	if role == types.RoleJoin && !waiting {
		if _, err := s.store.Delete(ctx, existing.Code); err != nil {
			s.log.Warn("clear room failed", "code", existing.Code, "err", err)
		}
		s.punch.Delete(existing.Code)
		s.logConn("connect clear", "code", existing.Code, "reason", "player2_received_endpoint")
	}
	c.JSON(http.StatusOK, resp)
}

// newRoom builds a record with a clamped TTL, keeping prev's creation time
// and creator token when updating
func (s *Server) newRoom(code, ip, localIP string, port int, hash, token string, ttl gonull.Nullable[int64], prev *Room) *Room {
	now := s.now().Unix()
	r := &Room{
		Code:         code,
		IP:           ip,
		LocalIP:      localIP,
		Port:         port,
		PasswordHash: hash,
		CreatorToken: token,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now + int64(s.ttl(ttl).Seconds()),
	}
	if prev != nil {
		r.CreatedAt = prev.CreatedAt
		if r.CreatorToken == "" {
			r.CreatorToken = prev.CreatorToken
		}
	}
	return r
}

func (s *Server) ttl(v gonull.Nullable[int64]) time.Duration {
	if !v.Valid || v.Val == 0 {
		return s.cfg.DefaultTTL
	}
	d := time.Duration(v.Val) * time.Second
	return max(30*time.Second, min(s.cfg.MaxTTL, d))
}

func (s *Server) handleGetRoom(c *gin.Context) {
	code := c.GetString("code")
	pw := c.GetHeader(headerRoomPassword)
	if pw == "" {
		pw = c.GetHeader(headerRoomPass)
	}

	r, err := s.store.Get(c.Request.Context(), code)
	switch {
	case errors.Is(err, ErrNotFound):
		fail(c, http.StatusNotFound, errCodeNotFound)
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, errCodeInternal)
		return
	}
	if normalizePassword(pw) == "" {
		fail(c, http.StatusBadRequest, errCodePasswordRequired)
		return
	}
	if !s.pw.match(r.PasswordHash, pw) {
		fail(c, http.StatusForbidden, errCodeWrongPassword)
		return
	}
	c.JSON(http.StatusOK, room.Response{OK: true, Room: r.Info(true)})
}

// handlePutRoom upserts a finalised room directly
func (s *Server) handlePutRoom(c *gin.Context) {
	s.upsertRoom(c, c.GetString("code"))
}

// handleLegacyCreate is POST /rooms, kept for debugging tools
func (s *Server) handleLegacyCreate(c *gin.Context) {
	s.upsertRoom(c, "")
}

func (s *Server) upsertRoom(c *gin.Context, code string) {
	ctx := c.Request.Context()
	body := bind[connectBody](c)

	hash, err := s.pw.hash(body.Password)
	if err != nil {
		fail(c, http.StatusBadRequest, errCodePasswordRequired)
		return
	}
	if code == "" {
		code = room.NormalizeCode(body.Code)
		if code == "" {
			if code, err = GenerateCode(body.CodeLength.Val); err != nil {
				fail(c, http.StatusInternalServerError, errCodeInternal)
				return
			}
		}
		if !ValidCode(code) {
			fail(c, http.StatusBadRequest, errCodeInvalidCode)
			return
		}
	}
	port := defaultRoomPort
	if body.Port.Valid {
		port = body.Port.Val
	}
	if !types.ValidPort(port) {
		fail(c, http.StatusBadRequest, errCodeInvalidPort)
		return
	}

	reqIP := clientIP(c)
	ip := s.publicFor(ctx, reqIP)
	localIP := ""
	if isPrivateOrLoopback(reqIP) {
		if addr, ok := netutil.ParseIP(reqIP); ok && netutil.IsLoopbackIP(addr) {
			localIP = s.cfg.ServerLANIP()
		} else {
			localIP = reqIP
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.store.Get(ctx, code)
	if err != nil && !errors.Is(err, ErrNotFound) {
		fail(c, http.StatusInternalServerError, errCodeInternal)
		return
	}
	token := ""
	if prev == nil {
		token = uuid.NewString()
	}
	r := s.newRoom(code, ip, localIP, port, hash, token, body.TTLSeconds, prev)
	if err := s.store.Put(ctx, r); err != nil {
		fail(c, http.StatusInternalServerError, errCodeInternal)
		return
	}
	c.JSON(http.StatusOK, room.Response{OK: true, Room: r.Info(true)})
}

func (s *Server) handleDeleteRoom(c *gin.Context) {
	code := c.GetString("code")

	s.mu.Lock()
	deleted, err := s.store.Delete(c.Request.Context(), code)
	s.mu.Unlock()
	if err != nil {
		fail(c, http.StatusInternalServerError, errCodeInternal)
		return
	}
	s.punch.Delete(code)
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": deleted})
}

// publicFor swaps a private requester address for the server's public one
// when it can be found
func (s *Server) publicFor(ctx context.Context, reqIP string) string {
	if !isPrivateOrLoopback(reqIP) {
		return reqIP
	}
	if pub := s.cfg.PublicIP.PublicIP(ctx); pub != "" {
		return pub
	}
	return reqIP
}

// clientIP prefers the first X-Forwarded-For hop, then the socket address.
// IPv4-mapped IPv6 is unmapped.
func clientIP(c *gin.Context) string {
	if xff := strings.TrimSpace(c.GetHeader("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return unmapIP(first)
		}
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	return unmapIP(host)
}

func unmapIP(s string) string {
	if ip, ok := netutil.ParseIP(s); ok {
		return ip.String()
	}
	return strings.TrimPrefix(s, "::ffff:")
}

// isPrivateOrLoopback treats an empty address as private and anything
// unparseable as public
func isPrivateOrLoopback(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	ip, ok := netutil.ParseIP(s)
	if !ok {
		return false
	}
	return netutil.IsLoopbackIP(ip) || netutil.IsPrivateIP(ip)
}

func sameIP(a, b string) bool {
	return a != "" && b != "" && a == b
}
