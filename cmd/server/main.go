package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lioratech/bloom/internal/analysis"
	"github.com/lioratech/bloom/internal/api"
	"github.com/lioratech/bloom/internal/blob"
	"github.com/lioratech/bloom/internal/config"
	"github.com/lioratech/bloom/internal/db"
	"github.com/lioratech/bloom/internal/llm"
	"github.com/lioratech/bloom/internal/middleware"
	"github.com/lioratech/bloom/internal/services"
)

func main() {
	cfg, err := config.Load(os.Getenv("BLOOM_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	setupLogging(cfg.LogLevel)

	conn, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	defer conn.Close()
	if err := db.RunMigrations(conn, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	store, err := db.NewSQLiteStore(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("init store")
	}

	blobs, err := blob.NewFSStore(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("init blob store")
	}

	var gen llm.Generator
	if cfg.Generator.APIKey != "" {
		gemini, err := llm.NewGeminiClient(context.Background(), cfg.Generator.APIKey, cfg.Generator.Model)
		if err != nil {
			log.Fatal().Err(err).Msg("init generator")
		}
		gen = gemini
	} else {
		log.Warn().Msg("no generator API key configured; narratives use deterministic templates")
	}

	analyzer := analysis.NewHTTPClient(cfg.Analysis)
	narrative := services.NewNarrative(gen, cfg.NarrativeTimeout, cfg.Scoring)
	responses := services.NewResponseStore(blobs)
	questionnaires := services.NewQuestionnaireService(store, responses, blobs, analyzer, narrative, cfg.Scoring)
	chats := services.NewChatService(store, narrative, cfg.MaxRespondentTurns)
	subjects := services.NewSubjectService(store)
	bank := services.NewQuestionBank(gen, cfg.QuestionCount)
	authmw := middleware.NewAuth(cfg.JWTSecret)
	auth := services.NewAuthService(store, authmw.SignToken)
	overview := services.NewOverviewService(store)

	mux := http.NewServeMux()
	api.NewRouter(questionnaires, chats, subjects, bank, auth, overview, authmw).Register(mux)

	commit := os.Getenv("BLOOM_COMMIT")
	buildTime := os.Getenv("BLOOM_BUILD_TIME")
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "Bloom API",
			"commit":     commit,
			"build_time": buildTime,
		})
	})

	handler := middleware.CORS(
		middleware.SecureHeaders(
			middleware.NoStore(
				middleware.RequestLog(mux))))

	log.Info().Str("addr", cfg.Addr).Msg("bloom server listening")
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if os.Getenv("BLOOM_LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
