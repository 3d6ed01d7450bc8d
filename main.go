package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/auth"
	"github.com/example/pulseauth/internal/clientip"
	"github.com/example/pulseauth/internal/config"
	"github.com/example/pulseauth/internal/encryption"
	"github.com/example/pulseauth/internal/mail"
	"github.com/example/pulseauth/internal/ratelimit"
	"github.com/example/pulseauth/internal/store"
	"github.com/example/pulseauth/internal/token"
)

const redisKeyPrefix = "pulseauth:rl:"

type App struct {
	cfg        *config.Config
	log        *logrus.Logger
	store      store.Store
	tokens     *token.Service
	auth       *auth.Service
	guard      *ratelimit.Guard
	metrics    *Metrics
	apiLimiter *APILimiter
	ip         clientip.Resolver
	started    time.Time
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("write json")
	}
}

// NewApp wires the services on top of an opened store, rate-limit counter
// and mail sender.
func NewApp(cfg *config.Config, log *logrus.Logger, st store.Store, counter ratelimit.Counter, sender mail.Sender) (*App, error) {
	enc, err := encryption.New(cfg.Encryption.MasterKey)
	if err != nil {
		return nil, err
	}

	tokens, err := token.NewService(token.Config{
		Secret:          []byte(cfg.JWT.Secret),
		RefreshSecret:   []byte(cfg.JWT.RefreshSecret),
		AccessTTL:       cfg.JWT.AccessTTL,
		RefreshTTL:      cfg.JWT.RefreshTTL,
		VerificationTTL: cfg.JWT.VerificationTTL,
		ResetTTL:        cfg.JWT.ResetTTL,
	}, enc, st, log)
	if err != nil {
		return nil, err
	}

	authSvc, err := auth.NewService(auth.Config{
		BcryptCost:      cfg.BcryptCost,
		VerificationTTL: cfg.JWT.VerificationTTL,
		ResetTTL:        cfg.JWT.ResetTTL,
	}, st, tokens, mail.NewMailer(sender, cfg.PublicURL), log)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	guard := ratelimit.NewGuard(counter, ratelimit.Limits{
		IPMaxPerDay:  int64(cfg.RateLimit.IPMaxAttemptsPerDay),
		IDMaxFails:   int64(cfg.RateLimit.IDMaxFails),
		IDIPMaxFails: int64(cfg.RateLimit.IDIPMaxFails),
	}, log, ratelimit.WithRejectHook(metrics.ObserveRejection))

	return &App{
		cfg:        cfg,
		log:        log,
		store:      st,
		tokens:     tokens,
		auth:       authSvc,
		guard:      guard,
		metrics:    metrics,
		apiLimiter: NewAPILimiter(cfg.RateLimit.APIMax, cfg.RateLimit.APIWindow),
		ip:         clientip.Resolver{TrustProxy: cfg.TrustProxy},
		started:    time.Now(),
	}, nil
}

// sessionEmail identifies resend-verification attempts by the signed-in user.
func sessionEmail(r *http.Request, _ []byte) string {
	if u := userFromContext(r.Context()); u != nil {
		return u.Email
	}
	return ""
}

// Routes builds the HTTP handler. Middleware that must also see unmatched
// requests wraps the router instead of being registered with Use.
func (a *App) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(a.Instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		a.writeError(w, req, apperr.NotFound("Not found"))
	})

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")
	r.Handle("/metrics", a.metrics.Handler()).Methods("GET")

	guarded := func(action ratelimit.Action, identify ratelimit.IdentifierFunc, h http.HandlerFunc) http.Handler {
		return a.guard.Middleware(action, identify, a.writeError)(h)
	}

	v1 := r.PathPrefix("/api/v1/auth").Subrouter()
	v1.Handle("/signup", guarded(ratelimit.ActionSignup, ratelimit.EmailField("email"), a.HandleSignup)).Methods("POST")
	v1.Handle("/login", guarded(ratelimit.ActionLogin, ratelimit.EmailField("email"), a.HandleLogin)).Methods("POST")
	v1.HandleFunc("/refresh", a.HandleRefresh).Methods("POST")
	v1.HandleFunc("/logout", a.HandleLogout).Methods("POST")
	v1.Handle("/verify-email", guarded(ratelimit.ActionVerifyEmail, ratelimit.QueryOrJSONField("token"), a.HandleVerifyEmail)).Methods("GET", "POST")
	v1.Handle("/forgot-password", guarded(ratelimit.ActionForgot, ratelimit.EmailField("email"), a.HandleForgotPassword)).Methods("POST")
	v1.Handle("/reset-password", guarded(ratelimit.ActionReset, ratelimit.JSONField("token"), a.HandleResetPassword)).Methods("POST")
	v1.HandleFunc("/validate", a.HandleTokenValidate).Methods("GET")

	session := v1.NewRoute().Subrouter()
	session.Use(a.RequireAccess)
	session.HandleFunc("/me", a.HandleMe).Methods("GET")
	session.Handle("/resend-verification", guarded(ratelimit.ActionResendVerify, sessionEmail, a.HandleResendVerification)).Methods("POST")

	return a.Recover(SecurityHeaders(a.ip.Middleware(a.Logging(a.CORS(a.RateLimit(r))))))
}

// HandleHealth reports liveness.
// GET /health
func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": a.cfg.Env,
		"uptime":      int64(time.Since(a.started).Seconds()),
	})
}

// HandleReady reports whether the store answers.
// GET /ready
func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.log.WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func newLogger(c *config.Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func openStore(c *config.Config, log *logrus.Logger) (store.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		s, err := store.NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		log.Info("applying database migrations")
		if err := store.ApplyMigrations(log, c.MigrationsDir, c.PostgresDSN); err != nil {
			log.WithError(err).Warn("migration error (continuing anyway)")
		}
		p, err := store.NewPostgresDB(c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("connected to PostgreSQL database")
		return p, nil
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
		return store.NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
	}
}

// openCounter returns the rate-limit counter and a function releasing it.
func openCounter(ctx context.Context, c *config.Config) (ratelimit.Counter, func() error, error) {
	if c.RateLimit.Backend != "redis" {
		return ratelimit.NewMemoryCounter(0), func() error { return nil }, nil
	}
	client, err := ratelimit.NewRedisClient(ctx, c.RateLimit.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedisCounter(client, redisKeyPrefix), client.Close, nil
}

func newSender(c *config.Config, log *logrus.Logger) (mail.Sender, error) {
	if c.Mail.Provider == "postmark" {
		return mail.NewPostmarkSender(c.Mail.PostmarkServerToken, c.Mail.PostmarkAccountToken, c.Mail.From)
	}
	return mail.NewLogSender(log), nil
}

func main() {
	c, err := config.New()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := newLogger(c)

	st, err := openStore(c, log)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	counter, closeCounter, err := openCounter(startCtx, c)
	cancelStart()
	if err != nil {
		log.Fatalf("rate limit backend: %v", err)
	}

	sender, err := newSender(c, log)
	if err != nil {
		log.Fatalf("mail: %v", err)
	}

	app, err := NewApp(c, log, st, counter, sender)
	if err != nil {
		log.Fatalf("app init: %v", err)
	}

	srv := &http.Server{
		Handler:           app.Routes(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"port": c.Port, "env": c.Env}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
	if err := closeCounter(); err != nil {
		log.WithError(err).Warn("closing rate limit backend")
	}
	if err := st.Close(); err != nil {
		log.WithError(err).Warn("closing store")
	}
}
