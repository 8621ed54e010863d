package server

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/config"
	"utility-ussd-bridge/pkg/handlers"
)

// WriteTimeout must outlast the longest correlation window, since caller requests block
// until the reply arrives or the deadline passes.
const WriteTimeout = 150 * time.Second

func NewHTTPServer(config *config.Config, bridge handlers.Bridge, gatherer prometheus.Gatherer, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      NewRouter(config, bridge, gatherer, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

func NewRouter(config *config.Config, bridge handlers.Bridge, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	handler := handlers.NewHandler(bridge, logger)

	router := mux.NewRouter()

	// Caller API
	router.HandleFunc("/users/{userID}/bill", handler.FetchBill).Methods("POST")
	router.HandleFunc("/users/{userID}/tokens", handler.PurchaseTokens).Methods("POST")
	router.HandleFunc("/users/{userID}/units", handler.CheckUnits).Methods("POST")
	router.HandleFunc("/users/{userID}/results", handler.Results).Methods("GET")
	router.HandleFunc("/requests/{requestID}", handler.Request).Methods("GET")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Aggregator callbacks
	webhooks := router.PathPrefix("/webhooks").Subrouter()
	webhooks.HandleFunc("/inbound", handler.Webhook).Methods("POST")
	webhooks.HandleFunc("/delivery", handler.Webhook).Methods("POST")
	if config.Webhook.RateLimit > 0 {
		webhooks.Use(httprate.LimitByIP(config.Webhook.RateLimit, config.Webhook.RateWindow))
	}

	router.Handle(config.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(logger))

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
