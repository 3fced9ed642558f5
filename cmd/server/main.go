package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"github.com/crowdtask-io/crowdtask/internal/api"
	"github.com/crowdtask-io/crowdtask/internal/db"
	"github.com/crowdtask-io/crowdtask/internal/middleware"
	"github.com/crowdtask-io/crowdtask/internal/utils"
)

func main() {
	_ = godotenv.Load()

	addr := utils.SafeEnv("CROWDTASK_ADDR", ":8080")
	commit := os.Getenv("CROWDTASK_COMMIT")
	buildTime := os.Getenv("CROWDTASK_BUILD_TIME")

	store, err := openStore()
	if err != nil {
		log.Fatalf("store init: %v", err)
	}

	mux := http.NewServeMux()
	api.NewRouter(store).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "CrowdTask API",
			"commit":     commit,
			"build_time": buildTime,
		})
	})

	handler := middleware.CORS(middleware.SecureHeaders(middleware.WithAuth(mux)))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: utils.SafeEnvDuration("CROWDTASK_READ_HEADER_TIMEOUT", 10*time.Second),
		IdleTimeout:       utils.SafeEnvDuration("CROWDTASK_IDLE_TIMEOUT", 2*time.Minute),
	}
	log.Printf("CrowdTask server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// openStore connects SQLite when CROWDTASK_SQLITE_PATH is set, otherwise
// falls back to the in-memory store.
func openStore() (api.Store, error) {
	path := os.Getenv("CROWDTASK_SQLITE_PATH")
	if path == "" {
		log.Printf("CROWDTASK_SQLITE_PATH not set, using in-memory store")
		return api.NewMemoryStore(), nil
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(conn, os.Getenv("CROWDTASK_MIGRATIONS_DIR")); err != nil {
		return nil, err
	}
	return db.NewStore(conn)
}
