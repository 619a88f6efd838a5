package services

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/auth"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/engine"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/storage"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

type Platform struct {
	user     *UserService
	org      *OrgService
	project  *ProjectService
	analysis *AnalysisService

	db    *gorm.DB
	store storage.ArtifactStore

	stopJobSync chan bool
}

func NewPlatform(db *gorm.DB, store storage.ArtifactStore, engineClient engine.Client, profiles *engine.ProfileLibrary, userAuth *auth.IdentityProvider) *Platform {
	analysis := &AnalysisService{
		db:       db,
		engine:   engineClient,
		profiles: profiles,
		userAuth: userAuth,
	}

	return &Platform{
		user:     &UserService{db: db, userAuth: userAuth},
		org:      &OrgService{db: db, userAuth: userAuth},
		project:  &ProjectService{db: db, store: store, userAuth: userAuth, analysis: analysis},
		analysis: analysis,
		db:       db,
		store:    store,

		stopJobSync: make(chan bool),
	}
}

func (p *Platform) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Mount("/user", p.user.Routes())
	r.Mount("/org", p.org.Routes())
	r.Mount("/projects", p.project.Routes())
	r.Mount("/analyses", p.analysis.Routes())
	r.Mount("/analyze", p.analysis.BatchRoutes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

// JobStatusSync fails analyses whose worker died without reaching a terminal
// state. A pending or running row is considered abandoned once its updated_at
// is older than the longest profile timeout plus slack, the guarded update
// means a worker that finishes in the meantime wins. Pending rows are covered
// because a process restart between the insert and the worker pickup would
// otherwise leave them non-terminal forever.
func (p *Platform) JobStatusSync(interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.failStaleAnalyses(staleAfter)
		case <-p.stopJobSync:
			slog.Info("stopping analysis status sync")
			return
		}
	}
}

func (p *Platform) StopJobStatusSync() {
	p.stopJobSync <- true
}

func (p *Platform) failStaleAnalyses(staleAfter time.Duration) {
	cutoff := time.Now().UTC().Add(-staleAfter)

	result := p.db.Model(&schema.Analysis{}).
		Where("status IN (?) AND updated_at < ?", []string{schema.Pending, schema.Running}, cutoff).
		Updates(map[string]interface{}{
			"status":        schema.Failed,
			"error_message": "analysis engine timed out",
			"progress":      "",
			"completed_at":  time.Now().UTC(),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		slog.Error("sql error failing stale analyses", "error", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		slog.Info("failed stale analyses", "count", result.RowsAffected)
		analysesFailedMetric.Add(float64(result.RowsAffected))
	}
}
