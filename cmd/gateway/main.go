package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"guardian/pkg/audit"
	"guardian/pkg/auth"
	"guardian/pkg/cmdqueue"
	"guardian/pkg/custody"
	"guardian/pkg/deviceauth"
	"guardian/pkg/hardening"
	"guardian/pkg/httpx"
	"guardian/pkg/incident"
	"guardian/pkg/keystore"
	"guardian/pkg/metrics"
	"guardian/pkg/models"
	"guardian/pkg/policy"
	"guardian/pkg/ratelimit"
	"guardian/pkg/store"
	"guardian/pkg/stream"
	"guardian/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server wires the custody subsystem behind the HTTP surface. Every
// dependency is an interface or small struct so handler tests run
// against the in-memory implementations.
type Server struct {
	DB        gatewayDB
	Queue     cmdqueue.Queue
	Keys      keystore.Store
	Ledger    custody.Ledger
	Incidents incident.Store
	Pipeline  *incident.Pipeline
	Protocols protocolStore
	Devices   *deviceauth.Authenticator
	Hub       *stream.Hub
	Cache     store.Cache
	Metrics   *metrics.Registry
	Redactor  *audit.Redactor

	HTTPClient     *http.Client
	PushWebhookURL string
	PushRetries    int
	PushRetryDelay time.Duration

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerWindow int
	RateLimitWindow    time.Duration

	AuthMode   string
	AuthSecret string

	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	SweepInterval       time.Duration
	CommandTTL          time.Duration
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// protocolStore is the admin-facing protocol surface; the policy
// engine itself only needs ListProtocols.
type protocolStore interface {
	policy.Store
	ListFamily(ctx context.Context, familyID string) ([]models.Protocol, error)
	Upsert(ctx context.Context, p models.Protocol) error
}

type gatewayDBCloser interface {
	gatewayDB
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.sweepLoop(context.Background())
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "guardian-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	pepper := env("DEVICE_TOKEN_PEPPER", "")
	if pepper == "" {
		return errors.New("DEVICE_TOKEN_PEPPER required")
	}
	authMode := env("AUTH_MODE", "hs256")
	authSecret := env("ADMIN_HS256_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
	} else if authSecret == "" {
		return errors.New("ADMIN_HS256_SECRET required")
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "DEVICE_TOKEN_PEPPER", Value: pepper},
			{Name: "ADMIN_HS256_SECRET", Value: authSecret},
		},
	}); err != nil {
		return err
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	commandTTL := time.Second * time.Duration(envInt("COMMAND_TTL_SEC", 300))

	keys := &keystore.Postgres{DB: pool}
	ledger := &custody.Postgres{DB: pool}
	queue := &cmdqueue.Postgres{DB: pool}
	incidents := &incident.PostgresStore{DB: pool}
	protocols := &policy.PostgresStore{DB: pool}
	engine := policy.NewEngine(protocols, policy.Config{
		TieBreak: policy.TieBreak(env("POLICY_TIE_BREAK", string(policy.TieBreakHighestSeverity))),
	})
	cache := store.NewCache(ctx, redisClient)

	s := &Server{
		DB:                  pool,
		Queue:               queue,
		Keys:                keys,
		Ledger:              ledger,
		Incidents:           incidents,
		Protocols:           protocols,
		Devices:             deviceauth.New(&deviceauth.PostgresStore{DB: pool}, pepper),
		Hub:                 stream.NewHub(),
		Cache:               cache,
		Metrics:             metrics.NewRegistry(),
		Redactor:            audit.NewRedactor([]byte(env("EXPORT_HASH_SALT", "guardian-export"))),
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("PUSH_TIMEOUT_MS", 3000))}),
		PushWebhookURL:      env("PUSH_WEBHOOK_URL", ""),
		PushRetries:         envInt("PUSH_RETRIES", 1),
		PushRetryDelay:      time.Millisecond * time.Duration(envInt("PUSH_RETRY_DELAY_MS", 50)),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerWindow:  envInt("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            authMode,
		AuthSecret:          authSecret,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		SweepInterval:       time.Second * time.Duration(envInt("SWEEP_INTERVAL_SEC", 30)),
		CommandTTL:          commandTTL,
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	pipeline := incident.NewPipeline(&incident.PostgresUnit{DB: pool}, incidents, ledger, queue, engine, cache)
	pipeline.CommandTTL = commandTTL
	pipeline.Metrics = s.Metrics
	pipeline.Notify = s.notifyDevice
	if window := envInt("INCIDENT_DEDUP_WINDOW_SEC", 0); window > 0 {
		pipeline.DedupWindow = time.Second * time.Duration(window)
	}
	s.Pipeline = pipeline

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("guardian-gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.Devices.Middleware)
		r.Post("/v1/device/poll", s.handleDevicePoll)
		r.Post("/v1/device/heartbeat", s.handleDeviceHeartbeat)
		r.Post("/v1/device/ack", s.handleDeviceAck)
		r.Post("/v1/device/report", s.handleDeviceReport)
		r.Get("/v1/device/stream", s.handleDeviceStream)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
		r.Get("/metricsz", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
		r.Get("/v1/admin/incidents", s.withRoles(s.listIncidents, "guardian", "securityadmin", "support"))
		r.Get("/v1/admin/incidents/{incident_id}", s.withRoles(s.getIncident, "guardian", "securityadmin", "support"))
		r.Patch("/v1/admin/incidents/{incident_id}", s.withRoles(s.patchIncident, "guardian", "securityadmin"))
		r.Get("/v1/admin/incidents/{incident_id}/export", s.withRoles(s.exportIncident, "guardian", "securityadmin"))
		r.Get("/v1/admin/custody/{incident_id}", s.withRoles(s.getCustodyChain, "guardian", "securityadmin", "support"))
		r.Get("/v1/admin/custody/{incident_id}/verify", s.withRoles(s.verifyCustodyChain, "guardian", "securityadmin", "support"))
		r.Get("/v1/admin/protocols", s.withRoles(s.listProtocols, "guardian", "securityadmin"))
		r.Post("/v1/admin/protocols", s.withRoles(s.upsertProtocol, "guardian", "securityadmin"))
		r.Post("/v1/admin/commands", s.withRoles(s.enqueueCommands, "guardian", "securityadmin"))
		r.Post("/v1/admin/devices/{device_id}/rotate", s.withRoles(s.rotateDeviceKey, "securityadmin"))
		r.Post("/v1/admin/sweep", s.withRoles(s.runSweep, "securityadmin", "support"))
	})

	return r
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "AUTH_FAILED")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "FORBIDDEN")
			return
		}
		h(w, r)
	}
}

// familyAllowed confines guardians to their own family. Staff roles
// may cross family boundaries.
func familyAllowed(principal auth.Principal, familyID string) bool {
	if auth.HasAnyRole(principal, "securityadmin", "support") {
		return true
	}
	return principal.FamilyID != "" && principal.FamilyID == familyID
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Queue.Sweep(ctx, time.Now().UTC())
			if err != nil {
				log.Printf("sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("sweep expired %d commands", n)
				for i := 0; i < n; i++ {
					s.Metrics.IncCommandStatus(models.CommandExpired)
				}
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var pending int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM commands WHERE status IN ('QUEUED','SENT')`).Scan(&pending)
	s.Metrics.SetGauge("commands_pending", float64(pending))
	var oldest float64
	_ = s.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(EXTRACT(EPOCH FROM (now() - issued_at))), 0)
		FROM commands WHERE status IN ('QUEUED','SENT')
	`).Scan(&oldest)
	s.Metrics.SetGauge("commands_pending_oldest_seconds", oldest)
	var openIncidents int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM incidents
		WHERE status='OPEN' AND severity IN ('CRITICAL','HIGH')
	`).Scan(&openIncidents)
	s.Metrics.SetGauge("incidents_open_critical", float64(openIncidents))
	var rotations int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM device_keys WHERE rotation_pending`).Scan(&rotations)
	s.Metrics.SetGauge("rotations_pending", float64(rotations))
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.Metrics == nil {
			return
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		key := r.Method + " " + route
		s.Metrics.Observe(key, rec.status, time.Since(start))
		s.Metrics.ObserveLatency(key, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkRateLimit(r *http.Request, deviceID, surface string) (bool, int) {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return false, 0
	}
	key := surface + ":" + deviceID + ":" + s.clientIP(r)
	decision := s.RateLimiter.Allow(key, s.RateLimitPerWindow)
	if decision.Allowed {
		return false, 0
	}
	retryAfter := int(time.Until(decision.ResetAt).Milliseconds())
	if retryAfter < 0 {
		retryAfter = int(s.RateLimitWindow.Milliseconds())
	}
	return true, retryAfter
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
