package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/integrations"
	"github.com/nexus-cloaker/trafficguard/internal/lists"
	"github.com/nexus-cloaker/trafficguard/internal/mitigation"
	"github.com/nexus-cloaker/trafficguard/internal/reports"
)

// UserStore looks up admin users for authentication.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*database.User, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*database.User, error)
	UpdateUserLastLogin(ctx context.Context, id string) error
}

// Deps are the services behind the admin API. Metrics may be nil.
type Deps struct {
	Users    UserStore
	Engine   *mitigation.Engine
	Lists    *lists.Store
	Reports  *reports.Mutator
	Webhooks *integrations.Dispatcher
	Metrics  http.Handler
}

// Server is the admin API server
type Server struct {
	config      config.AuthConfig
	metricsPath string
	deps        Deps
	logger      *zap.Logger
	jwtSecret   []byte
	router      chi.Router
	server      *http.Server
}

// New creates a new admin API server
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		config:      cfg.Auth,
		metricsPath: cfg.Metrics.Path,
		deps:        deps,
		logger:      logger.Named("api"),
		jwtSecret:   []byte(cfg.Auth.JWTSecret),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/whitelist", func(r chi.Router) { s.listRoutes(r, s.deps.Lists.Whitelist()) })
			r.Route("/blocklist", func(r chi.Router) { s.listRoutes(r, s.deps.Lists.Blocklist()) })

			r.Route("/reports", func(r chi.Router) {
				r.Get("/", s.handleListReports)
				r.Get("/{id}", s.handleGetReport)
				r.Patch("/{id}", s.handleUpdateReport)
			})

			r.Route("/settings", func(r chi.Router) {
				r.Get("/", s.handleGetSettings)
				r.Put("/auto-triggers", s.handleSetAutoTriggers)
				r.Put("/auto-blocking", s.handleConfigureAutoBlocking)
			})

			r.Route("/webhooks", func(r chi.Router) {
				r.Get("/", s.handleListWebhooks)
				r.Post("/", s.handleRegisterWebhook)
				r.Post("/test", s.handleTestWebhook)
				r.Get("/failures", s.handleWebhookFailures)
				r.Delete("/{id}", s.handleDeactivateWebhook)
			})

			r.Get("/stats", s.handleStats)
			r.Post("/analyze", s.handleAnalyze)
			r.Post("/mitigate", s.handleMitigate)
		})
	})

	return r
}

func (s *Server) listRoutes(r chi.Router, l *lists.List) {
	r.Get("/", s.handleListEntries(l))
	r.Post("/", s.handleAddEntry(l))
	r.Post("/bulk", s.handleBulkAdd(l))
	r.Patch("/{id}", s.handleUpdateEntry(l))
	r.Delete("/", s.handleRemoveEntry(l))
}

// Start starts the admin API server
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Middleware

type ctxKey int

const adminIDKey ctxKey = iota

// adminID returns the authenticated admin for the request.
func adminID(r *http.Request) string {
	id, _ := r.Context().Value(adminIDKey).(string)
	return id
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check API key first
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			user, err := s.deps.Users.GetUserByAPIKey(r.Context(), apiKey)
			if err == nil {
				if user.Role != database.RoleAdmin {
					forbidden(w, "admin role required")
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminIDKey, user.ID)))
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			unauthorized(w, "missing credentials")
			return
		}

		userID, role, err := s.parseToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}
		if role != database.RoleAdmin {
			forbidden(w, "admin role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminIDKey, userID)))
	})
}

func (s *Server) issueToken(user *database.User) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.config.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
		"exp":      expiresAt.Unix(),
		"iat":      time.Now().Unix(),
	})
	signed, err := token.SignedString(s.jwtSecret)
	return signed, expiresAt, err
}

// parseToken returns the user id and role carried by a valid token.
func (s *Server) parseToken(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid token claims")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", "", errors.New("token has no user_id")
	}
	role, _ := claims["role"].(string)
	return userID, role, nil
}
