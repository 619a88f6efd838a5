package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/auth"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/engine"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/services"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/storage"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type boardmintEnv struct {
	DatabaseUri string `env:"DATABASE_URI,required"`
	JwtSecret   string `env:"JWT_SECRET,required"`

	ShareDir string `env:"SHARE_DIR" envDefault:"./share"`

	EngineEndpoint  string `env:"ENGINE_ENDPOINT,required"`
	FabProfilesPath string `env:"FAB_PROFILES_PATH"`

	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"*"`

	// When MINIO_ENDPOINT is set artifacts go to the object store, otherwise
	// they land on the shared disk under SHARE_DIR.
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"boardmint-artifacts"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL"`
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

func postgresDsn(uri string) string {
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func initDb(dsn string) *gorm.DB {
	// TranslateError is required so the version upload retry can detect
	// unique index violations as gorm.ErrDuplicatedKey.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(
		&schema.Organization{}, &schema.User{}, &schema.Project{},
		&schema.ProjectVersion{}, &schema.ProjectContributor{},
		&schema.FileComment{}, &schema.Analysis{}, &schema.IssueComment{},
	)
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func initStorage(e boardmintEnv) storage.ArtifactStore {
	if e.MinioEndpoint == "" {
		return storage.NewSharedDisk(e.ShareDir)
	}

	store, err := storage.NewMinioStorage(context.Background(), storage.MinioArgs{
		Endpoint:  e.MinioEndpoint,
		Bucket:    e.MinioBucket,
		AccessKey: e.MinioAccessKey,
		SecretKey: e.MinioSecretKey,
		UseSSL:    e.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("error connecting to object storage: %v", err)
	}
	return store
}

func initProfiles(path string) *engine.ProfileLibrary {
	if path == "" {
		return engine.DefaultProfiles()
	}
	profiles, err := engine.LoadProfiles(path)
	if err != nil {
		log.Fatalf("error loading fab profiles from '%v': %v", path, err)
	}
	return profiles
}

// staleAnalysisCutoff is how long a running analysis may go without an update
// before the watchdog fails it. Derived from the slowest profile so a long
// 6 layer run is not killed prematurely.
func staleAnalysisCutoff(profiles *engine.ProfileLibrary) time.Duration {
	maxTimeout := 0
	for _, profile := range profiles.List() {
		if profile.RunTimeoutSecs > maxTimeout {
			maxTimeout = profile.RunTimeoutSecs
		}
	}
	return time.Duration(maxTimeout)*time.Second + 2*time.Minute
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}

	var e boardmintEnv
	if err := env.Parse(&e); err != nil {
		log.Fatalf("error loading config from environment: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(e.ShareDir, "logs/"), 0777); err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(e.ShareDir, "logs/boardmint.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(e.ShareDir, "logs/audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditLog.Close()

	initLogging(logFile)

	db := initDb(postgresDsn(e.DatabaseUri))

	store := initStorage(e)
	slog.Info("artifact storage initialized", "location", store.Location())

	profiles := initProfiles(e.FabProfilesPath)

	userAuth := auth.NewIdentityProvider(db, auth.NewAuditLogger(auditLog), []byte(e.JwtSecret))

	engineClient := engine.NewHttpClient(e.EngineEndpoint)

	platform := services.NewPlatform(db, store, engineClient, profiles, userAuth)

	go platform.JobStatusSync(30*time.Second, staleAnalysisCutoff(profiles))

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{e.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api", platform.Routes())
	r.Handle("/metrics", promhttp.Handler())

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
	platform.StopJobStatusSync()
}
