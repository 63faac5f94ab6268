package main

import (
	"fmt"
	"log"
	"net/http"

	"microtutor/config"
	"microtutor/db"
	"microtutor/handlers"
	"microtutor/models"
	"microtutor/services/cases"
	"microtutor/services/feedback"
	"microtutor/services/guidelines"
	"microtutor/services/llm"
	"microtutor/services/metrics"
	"microtutor/services/pinecone"
	"microtutor/services/tools"
	"microtutor/services/tutor"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	if cfg.DatabaseURL == "" {
		log.Fatal("DB_URL environment variable is required")
	}

	llmClient, err := llm.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	caseRepo, err := db.NewPostgresCaseRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize case database: %v", err)
	}
	defer caseRepo.Close()

	feedbackRepo, err := db.NewPostgresFeedbackRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize feedback database: %v", err)
	}
	defer feedbackRepo.Close()

	logRepo, err := db.NewPostgresConversationLogRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize conversation log database: %v", err)
	}
	defer logRepo.Close()

	var sessions db.SessionStore
	switch cfg.SessionStore {
	case "postgres":
		store, err := db.NewPostgresSessionStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize session database: %v", err)
		}
		defer store.Close()
		sessions = store
	default:
		sessions = db.NewMemorySessionStore()
	}

	var (
		caseService     *cases.Service
		feedbackService *feedback.Service
		exampleSource   tools.ExampleSource
		retriever       tutor.FeedbackRetriever
		guidelineSource tutor.GuidelineSource
	)
	if cfg.PineconeAPIKey != "" {
		embedder, err := llm.NewEmbedder(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize embedder: %v", err)
		}
		index, err := pinecone.NewService(cfg.PineconeAPIKey, cfg.PineconeIndexName, embedder)
		if err != nil {
			log.Fatalf("Failed to initialize Pinecone service: %v", err)
		}

		caseService = cases.NewService(caseRepo, index, llmClient)
		feedbackService = feedback.NewService(index, feedbackRepo, cfg.FeedbackTopK, cfg.FeedbackThreshold)
		retriever = feedbackService
		if cfg.FeedbackEnabled {
			exampleSource = feedbackService
		}
		guidelineSource = guidelines.NewCache(index)
	} else {
		log.Printf("[WARN] PINECONE_API_KEY not set, running without retrieval")
		caseService = cases.NewService(caseRepo, nil, llmClient)
		feedbackService = feedback.NewService(nil, feedbackRepo, cfg.FeedbackTopK, cfg.FeedbackThreshold)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := tools.NewDefaultEngine(llmClient, exampleSource)
	tutorService := tutor.NewService(llmClient, engine, caseService, retriever, guidelineSource, tutor.Options{
		DirectRoutingPhases:   directRoutingPhases(cfg.DirectRoutingPhases),
		ClampPhaseTransitions: cfg.ClampPhaseTransitions,
		FeedbackEnabled:       cfg.FeedbackEnabled,
		FeedbackThreshold:     cfg.FeedbackThreshold,
		Metrics:               metrics.NewTutorMetrics(registry),
	})

	tutorHandler := handlers.NewTutorHandler(tutorService, sessions, logRepo)
	feedbackHandler := handlers.NewFeedbackHandler(feedbackService)

	router := mux.NewRouter()

	router.Use(corsMiddleware)
	router.Use(jsonMiddleware)

	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("OPTIONS")

	tutorHandler.RegisterRoutes(router)
	feedbackHandler.RegisterRoutes(router)

	router.HandleFunc("/health", healthCheckHandler).Methods("GET")
	// promhttp sets its own Content-Type over the JSON default.
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	addr := ":" + cfg.Port
	fmt.Printf("Server starting on port %s (provider: %s, model: %s, sessions: %s)\n", cfg.Port, cfg.LLMProvider, cfg.Model, cfg.SessionStore)

	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func directRoutingPhases(names []string) []models.Phase {
	var phases []models.Phase
	for _, name := range names {
		p := models.Phase(name)
		if !p.Valid() {
			log.Printf("[WARN] Ignoring unknown direct routing phase %q", name)
			continue
		}
		phases = append(phases, p)
	}
	return phases
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Expose-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy"}`))
}
