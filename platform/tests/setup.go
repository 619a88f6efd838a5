package tests

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/auth"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/engine"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/services"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/storage"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// engineStub stands in for the analysis engine. Analyze blocks on the gate
// when one is set so tests can observe intermediate job states.
type engineStub struct {
	mu     sync.Mutex
	result engine.Result
	err    error
	gate   chan struct{}
	calls  []engine.Request
}

func newEngineStub() *engineStub {
	return &engineStub{result: defaultResult()}
}

func (s *engineStub) Analyze(ctx context.Context, req engine.Request) (engine.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	gate := s.gate
	result, err := s.result, s.err
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}

	if err != nil {
		return engine.Result{}, err
	}
	return result, nil
}

func (s *engineStub) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *engineStub) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *engineStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func defaultResult() engine.Result {
	return engine.Result{
		Summary:   engine.Summary{Critical: 1, Warning: 1},
		RiskLevel: engine.RiskModerate,
		BoardInfo: engine.BoardInfo{
			SizeX: 80, SizeY: 60, LayerCount: 2, ComponentsCount: 42, NetsCount: 58,
		},
		IssuesByCategory: map[string][]engine.Issue{
			"clearance": {
				{
					Id:          "DRC001",
					IssueCode:   "trace_clearance",
					Severity:    engine.SeverityCritical,
					Category:    "clearance",
					Title:       "Trace clearance below fab minimum",
					Description: "Clearance between NET1 and NET2 is 0.1mm",
					AffectedNets: []string{
						"NET1", "NET2",
					},
					Layer: "F.Cu",
				},
			},
			"silkscreen": {
				{
					Id:        "DRC002",
					IssueCode: "silk_over_pad",
					Severity:  engine.SeverityWarning,
					Category:  "silkscreen",
					Title:     "Silkscreen overlaps pad",
				},
			},
		},
	}
}

type testEnv struct {
	platform *services.Platform
	api      chi.Router
	db       *gorm.DB
	storage  storage.ArtifactStore
	engine   *engineStub
}

func setupTestEnv(t *testing.T) *testEnv {
	// Each test gets its own named in-memory database so tests do not see
	// each other's rows. A single connection keeps concurrent transactions
	// from hitting sqlite write lock errors, the shared cache keeps them on
	// the same database.
	dsn := fmt.Sprintf("file:%v?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatal(err)
	}
	sqlDb, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDb.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&schema.Organization{}, &schema.User{}, &schema.Project{},
		&schema.ProjectVersion{}, &schema.ProjectContributor{},
		&schema.FileComment{}, &schema.Analysis{}, &schema.IssueComment{},
	)
	if err != nil {
		t.Fatal(err)
	}

	store := storage.NewSharedDisk(t.TempDir())
	engineClient := newEngineStub()

	userAuth := auth.NewIdentityProvider(db, auth.NewAuditLogger(new(bytes.Buffer)), []byte("290zcv02ai249"))

	platform := services.NewPlatform(db, store, engineClient, engine.DefaultProfiles(), userAuth)

	return &testEnv{
		platform: platform,
		api:      platform.Routes(),
		db:       db,
		storage:  store,
		engine:   engineClient,
	}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

// newOrg signs up a fresh organization and returns a logged in admin client.
func (t *testEnv) newOrg(slug string) (client, error) {
	c := t.newClient()
	err := c.signupOrg(slug+" Hardware", slug, "admin_"+slug, "admin@"+slug+".com", slug+"_password")
	if err != nil {
		return client{}, err
	}
	return c, nil
}

// newMember creates a user in the same org as the admin client and logs them in.
func (t *testEnv) newMember(admin client, username string) (client, error) {
	email := fmt.Sprintf("%v@mail.com", username)
	password := username + "_password"

	err := admin.addMember(username, email, password, "member")
	if err != nil {
		return client{}, err
	}

	c := t.newClient()
	if err := c.login(loginInfo{Email: email, Password: password}); err != nil {
		return client{}, err
	}
	return c, nil
}
