package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"mind-matrix/internal/admin"
	"mind-matrix/internal/broadcast"
	"mind-matrix/internal/config"
	"mind-matrix/internal/domain"
	"mind-matrix/internal/infra/memory"
	pgstore "mind-matrix/internal/infra/postgres"
	redisinfra "mind-matrix/internal/infra/redis"
	"mind-matrix/internal/questiongen"
	"mind-matrix/internal/store"
	transport "mind-matrix/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the trivia server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	constraints := store.DefaultConstraints()

	// Records: postgres when configured, then redis, then in-memory.
	var backend store.Backend
	switch {
	case cfg.Postgres.URL != "":
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		backend = pgstore.NewBackend(pool, constraints)
		log.Printf("using postgres record store")
	case redisClient != nil:
		backend = redisinfra.NewBackend(redisClient, constraints)
		log.Printf("using redis record store")
	default:
		backend = memory.NewBackend(constraints)
		log.Printf("using in-memory record store")
	}
	st := store.New(backend)

	// Broadcast: redis pub/sub when available, otherwise in-process only.
	var bus broadcast.Bus
	if redisClient != nil {
		bus = redisinfra.NewBus(redisClient)
	} else {
		bus = memory.NewBus()
		log.Printf("using in-process broadcast bus; run with redis for multi-node fan-out")
	}

	var gen questiongen.Generator
	if cfg.Questions.APIKey != "" {
		baseURL := cfg.Questions.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		gen = questiongen.NewChatClient(baseURL, cfg.Questions.APIKey, cfg.Models())
	} else {
		gen = questiongen.NewStaticGenerator(sampleDrafts())
		log.Printf("no question api key configured, serving the built-in question pool")
	}

	controller := admin.NewController(st, bus, gen)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(st, bus, controller),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting trivia service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleDrafts backs demo mode when no generation API is configured.
func sampleDrafts() []domain.QuestionDraft {
	return []domain.QuestionDraft{
		{
			Text:          "Which planet is known as the Red Planet?",
			Options:       []string{"Venus", "Mars", "Jupiter", "Mercury"},
			CorrectAnswer: 1,
			Explanation:   "Iron oxide on its surface gives Mars its color.",
			Category:      "science",
		},
		{
			Text:          "What is the largest ocean on Earth?",
			Options:       []string{"Atlantic", "Indian", "Arctic", "Pacific"},
			CorrectAnswer: 3,
			Explanation:   "The Pacific covers about a third of the planet's surface.",
			Category:      "geography",
		},
		{
			Text:          "Who painted the Mona Lisa?",
			Options:       []string{"Michelangelo", "Raphael", "Leonardo da Vinci", "Donatello"},
			CorrectAnswer: 2,
			Explanation:   "Painted in the early 1500s, now in the Louvre.",
			Category:      "art",
		},
		{
			Text:          "What does HTTP stand for?",
			Options:       []string{"HyperText Transfer Protocol", "High Throughput Transport Protocol", "Hyperlink Text Transmission Process", "Host Transfer Text Protocol"},
			CorrectAnswer: 0,
			Explanation:   "The protocol underlying the web since 1991.",
			Category:      "technology",
		},
		{
			Text:          "How many strings does a standard violin have?",
			Options:       []string{"3", "4", "5", "6"},
			CorrectAnswer: 1,
			Explanation:   "G, D, A and E.",
			Category:      "music",
		},
	}
}
