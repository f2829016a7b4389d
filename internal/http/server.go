package httpapi

import (
	"context"
	"net/http"
	"time"

	"learnhub-backend-go/internal/config"
	"learnhub-backend-go/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
)

type Server struct {
	Config       config.Config
	Ledger       services.Ledger
	Tokens       services.TokenService
	Identity     services.IdentityResolver
	Gateway      *services.Gateway
	Activator    *services.Activator
	Cascade      *services.Cascade
	Certificates *services.CertificateIssuer
	Alerts       *services.AlertRecorder

	// Optional collaborators; nil disables the feature.
	AlertHub *services.AlertHub
	Health   *services.HealthProbe
	Limiter  Limiter

	validate *validator.Validate
}

func NewServer(cfg config.Config, ledger services.Ledger, certs *services.CertificateIssuer, notifier services.Notifier) *Server {
	tokens := services.TokenService{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		AccessTTL: time.Duration(cfg.AccessTTLSeconds) * time.Second,
	}
	alerts := services.NewAlertRecorder(ledger, notifier)
	if cfg.AlertDedupeWindow > 0 {
		alerts.Window = cfg.AlertDedupeWindow
	}
	return &Server{
		Config: cfg,
		Ledger: ledger,
		Tokens: tokens,
		Identity: services.IdentityResolver{
			Tokens:     tokens,
			AdminToken: services.AdminTokenVerifier{Plain: cfg.AdminToken, Hash: cfg.AdminTokenHash},
			Providers:  services.DefaultRoleProviders(ledger),
		},
		Gateway: services.NewGateway(services.GatewayConfig{
			BaseURL:       cfg.GatewayBaseURL,
			KeyID:         cfg.GatewayKeyID,
			KeySecret:     cfg.GatewayKeySecret,
			WebhookSecret: cfg.GatewayWebhookSecret,
			Timeout:       cfg.GatewayTimeout,
		}),
		Activator:    &services.Activator{Ledger: ledger, Alerts: alerts, Notifier: notifier},
		Cascade:      &services.Cascade{Ledger: ledger, Certificates: certs, Alerts: alerts},
		Certificates: certs,
		Alerts:       alerts,
		validate:     newValidator(),
	}
}

func (s *Server) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	if s.Config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)
	if len(s.Config.CorsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.Config.CorsOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/payment", func(pay chi.Router) {
			// Signed gateway deliveries are retried upstream and never throttled.
			pay.Post("/webhook", s.PaymentWebhook)
			pay.Group(func(public chi.Router) {
				public.Use(RateLimit(s.Limiter, "payment"))
				public.Post("/create-order", s.CreateOrder)
				public.Get("/status", s.PaymentStatus)
				public.Post("/verify", s.VerifyPayment)
				public.Post("/success", s.PaymentSuccess)
			})
		})

		api.Route("/learn", func(learn chi.Router) {
			learn.Use(WithIdentity(s.Identity))
			learn.Post("/modules/{moduleId}/progress", s.UpdateModuleProgress)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(WithIdentity(s.Identity))
			admin.Use(RequireRole(services.RoleAdmin))
			admin.Post("/courses/{courseId}/enroll/{userId}", s.AdminEnroll)
			admin.Post("/courses/{courseId}/enroll/{userId}/complete", s.AdminCompleteEnrollment)
			admin.Post("/cohorts/{cohortId}/enroll/{userId}/complete", s.AdminCompleteCohort)
			admin.Get("/alerts", s.ListAlerts)
			admin.Post("/alerts/{alertId}/{action}", s.UpdateAlert)
			admin.Get("/health", s.HealthStatus)
		})

		api.Get("/certificates/verify", s.VerifyCertificate)
	})

	r.Get("/certificates/files/*", s.CertificateFile)
	r.Get("/ws/alerts", s.AlertsSocket)
	return r
}
