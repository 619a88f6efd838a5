package tests

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/services"

	"github.com/google/uuid"
)

const awaitTimeout = 5 * time.Second

func TestAnalysisLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	env.engine.setGate(gate)

	analysis, err := admin.startAnalysis(res.Project.Id, nil)
	if err != nil {
		t.Fatal(err)
	}

	if analysis.Status != "pending" {
		t.Fatalf("analysis should start pending, got %v", analysis.Status)
	}
	if analysis.FabProfile != "2l_cheap_proto" {
		t.Fatalf("expected default fab profile, got %v", analysis.FabProfile)
	}
	if analysis.Result != nil {
		t.Fatal("pending analysis should carry no result")
	}

	// The worker picks the job up and holds in running while the engine stub
	// is gated.
	deadline := time.Now().Add(awaitTimeout)
	for {
		snapshot, err := admin.getAnalysis(analysis.Id)
		if err != nil {
			t.Fatal(err)
		}
		if snapshot.Status == "running" {
			if snapshot.StartedAt == nil {
				t.Fatal("running analysis should have a start time")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("analysis never reached running, status %v", snapshot.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)

	final, err := admin.awaitAnalysis(analysis.Id, awaitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != "completed" {
		t.Fatalf("expected completed, got %v (%v)", final.Status, final.Error)
	}
	if final.CompletedAt == nil || final.Result == nil {
		t.Fatalf("completed analysis missing completion data: %+v", final)
	}
	if final.Result.RiskLevel != "moderate" || final.Result.Summary.Critical != 1 {
		t.Fatalf("unexpected result %+v", final.Result)
	}
	if env.engine.callCount() != 1 {
		t.Fatalf("engine should be called once, got %d", env.engine.callCount())
	}
}

func TestAnalysisFailure(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	env.engine.setError(errors.New("gerber parse error: missing aperture definition"))

	analysis, err := admin.startAnalysis(res.Project.Id, nil)
	if err != nil {
		t.Fatal(err)
	}

	final, err := admin.awaitAnalysis(analysis.Id, awaitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != "failed" {
		t.Fatalf("expected failed, got %v", final.Status)
	}
	// The engine error is surfaced verbatim for debugging.
	if final.Error != "gerber parse error: missing aperture definition" {
		t.Fatalf("unexpected error message %v", final.Error)
	}
	if final.Result != nil {
		t.Fatal("failed analysis should carry no result")
	}
}

func TestAnalysisValidation(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := admin.startAnalysis(res.Project.Id, map[string]interface{}{"fab_profile": "9l_imaginary"}); err == nil {
		t.Fatal("unknown fab profile should be rejected")
	}

	if _, err := admin.startAnalysis(res.Project.Id, map[string]interface{}{"version_id": uuid.New()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown version id should 404, got %v", err)
	}

	explicit, err := admin.startAnalysis(res.Project.Id, map[string]interface{}{
		"version_id":  res.Version.Id,
		"fab_profile": "4l_iot",
	})
	if err != nil {
		t.Fatal(err)
	}
	if explicit.VersionId != res.Version.Id || explicit.FabProfile != "4l_iot" {
		t.Fatalf("unexpected analysis %+v", explicit)
	}
	if _, err := admin.awaitAnalysis(explicit.Id, awaitTimeout); err != nil {
		t.Fatal(err)
	}
}

// A terminal analysis must never transition again, even if the watchdog runs
// over it afterwards.
func TestTerminalStateIsFinal(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	analysis, err := admin.startAnalysis(res.Project.Id, nil)
	if err != nil {
		t.Fatal(err)
	}
	final, err := admin.awaitAnalysis(analysis.Id, awaitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != "completed" {
		t.Fatalf("expected completed, got %v", final.Status)
	}

	// Backdate the row so the watchdog would consider it stale if it ignored
	// the status guard.
	old := time.Now().UTC().Add(-24 * time.Hour)
	err = env.db.Model(&schema.Analysis{}).Where("id = ?", analysis.Id).Update("updated_at", old).Error
	if err != nil {
		t.Fatal(err)
	}

	go env.platform.JobStatusSync(5*time.Millisecond, time.Minute)
	time.Sleep(50 * time.Millisecond)
	env.platform.StopJobStatusSync()

	after, err := admin.getAnalysis(analysis.Id)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != "completed" || after.Error != "" {
		t.Fatalf("terminal analysis was mutated: %+v", after)
	}
}

func TestWatchdogFailsStuckAnalyses(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	defer close(gate)
	env.engine.setGate(gate)

	analysis, err := admin.startAnalysis(res.Project.Id, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the worker to reach running, then backdate the row to simulate
	// a worker that died mid run.
	deadline := time.Now().Add(awaitTimeout)
	for {
		snapshot, err := admin.getAnalysis(analysis.Id)
		if err != nil {
			t.Fatal(err)
		}
		if snapshot.Status == "running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("analysis never reached running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	old := time.Now().UTC().Add(-24 * time.Hour)
	err = env.db.Model(&schema.Analysis{}).Where("id = ?", analysis.Id).Update("updated_at", old).Error
	if err != nil {
		t.Fatal(err)
	}

	go env.platform.JobStatusSync(5*time.Millisecond, time.Hour)
	defer env.platform.StopJobStatusSync()

	final, err := admin.awaitAnalysis(analysis.Id, awaitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != "failed" || final.Error != "analysis engine timed out" {
		t.Fatalf("watchdog should fail the stuck analysis, got %+v", final)
	}
}

func TestWatchdogFailsOrphanedPendingAnalyses(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	orgId, err := uuid.Parse(admin.orgId)
	if err != nil {
		t.Fatal(err)
	}
	userId, err := uuid.Parse(admin.userId)
	if err != nil {
		t.Fatal(err)
	}

	// A process restart between the pending insert and the worker pickup
	// leaves a pending row no worker will ever touch again.
	old := time.Now().UTC().Add(-24 * time.Hour)
	orphan := schema.Analysis{
		Id:             uuid.New(),
		ProjectId:      res.Project.Id,
		OrganizationId: orgId,
		VersionId:      res.Version.Id,
		FabProfile:     "2l_cheap_proto",
		Status:         schema.Pending,
		Progress:       "queued",
		CreatedBy:      userId,
		CreatedAt:      old,
		UpdatedAt:      old,
	}
	if err := env.db.Create(&orphan).Error; err != nil {
		t.Fatal(err)
	}

	go env.platform.JobStatusSync(5*time.Millisecond, time.Hour)
	defer env.platform.StopJobStatusSync()

	final, err := admin.awaitAnalysis(orphan.Id, awaitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != "failed" || final.Error != "analysis engine timed out" {
		t.Fatalf("watchdog should fail the orphaned pending analysis, got %+v", final)
	}
}

func TestBatchAnalysisIndependence(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	first, err := admin.createProject("alpha", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}
	second, err := admin.createProject("beta", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}
	missing := uuid.New()

	var res struct {
		Results []struct {
			ProjectId  uuid.UUID  `json:"project_id"`
			AnalysisId *uuid.UUID `json:"analysis_id"`
			Error      string     `json:"error"`
		} `json:"results"`
	}
	err = admin.Post("/analyze/batch").Json(map[string]interface{}{
		"items": []map[string]interface{}{
			{"project_id": first.Project.Id},
			{"project_id": missing},
			{"project_id": second.Project.Id, "fab_profile": "6l_hdi"},
		},
	}).Do(&res)
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Results) != 3 {
		t.Fatalf("expected 3 results, got %+v", res.Results)
	}
	if res.Results[0].AnalysisId == nil || res.Results[0].Error != "" {
		t.Fatalf("first item should succeed: %+v", res.Results[0])
	}
	if res.Results[1].AnalysisId != nil || res.Results[1].Error == "" {
		t.Fatalf("missing project should fail in place: %+v", res.Results[1])
	}
	if res.Results[2].AnalysisId == nil {
		t.Fatalf("third item should succeed despite the failure before it: %+v", res.Results[2])
	}

	for _, r := range res.Results {
		if r.AnalysisId == nil {
			continue
		}
		if _, err := admin.awaitAnalysis(*r.AnalysisId, awaitTimeout); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAnalysisListFilters(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		analysis, err := admin.startAnalysis(res.Project.Id, nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, analysis.Id)
	}
	for _, id := range ids {
		if _, err := admin.awaitAnalysis(id, awaitTimeout); err != nil {
			t.Fatal(err)
		}
	}

	var completed []services.AnalysisInfo
	if err := admin.Get("/analyses?status=completed").Do(&completed); err != nil {
		t.Fatal(err)
	}
	if len(completed) != 3 {
		t.Fatalf("expected 3 completed analyses, got %d", len(completed))
	}

	var pending []services.AnalysisInfo
	if err := admin.Get("/analyses?status=pending").Do(&pending); err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending analyses, got %d", len(pending))
	}

	if err := admin.Get("/analyses?status=skipped").Do(nil); err == nil {
		t.Fatal("invalid status filter should be rejected")
	}

	var perProject []services.AnalysisInfo
	if err := admin.Get(fmt.Sprintf("/projects/%v/analyses", res.Project.Id)).Do(&perProject); err != nil {
		t.Fatal(err)
	}
	if len(perProject) != 3 {
		t.Fatalf("expected 3 project analyses, got %d", len(perProject))
	}
}

func TestIssueThreads(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newMember(admin, "alice")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	analysis, err := admin.startAnalysis(res.Project.Id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := admin.awaitAnalysis(analysis.Id, awaitTimeout); err != nil {
		t.Fatal(err)
	}

	type issueRow struct {
		Id           string `json:"id"`
		Severity     string `json:"severity"`
		Status       string `json:"status"`
		CommentCount int64  `json:"comment_count"`
	}

	var issues []issueRow
	if err := admin.Get(fmt.Sprintf("/analyses/%v/issues", analysis.Id)).Do(&issues); err != nil {
		t.Fatal(err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %+v", issues)
	}
	for _, issue := range issues {
		if issue.Status != "open" || issue.CommentCount != 0 {
			t.Fatalf("fresh issue should be open with no comments: %+v", issue)
		}
	}

	commentEndpoint := fmt.Sprintf("/analyses/%v/issues/DRC001/comments", analysis.Id)

	if err := admin.Post(commentEndpoint).Json(map[string]string{"body": ""}).Do(nil); err == nil {
		t.Fatal("empty issue comment should be rejected")
	}

	var comment services.IssueCommentInfo
	err = admin.Post(commentEndpoint).Json(map[string]string{"body": "widen the trace to 0.2mm"}).Do(&comment)
	if err != nil {
		t.Fatal(err)
	}

	err = admin.Patch(fmt.Sprintf("/analyses/%v/issues/DRC001/status", analysis.Id)).
		Json(map[string]string{"status": "acknowledged", "comment": "fix planned for rev B"}).
		Do(nil)
	if err != nil {
		t.Fatal(err)
	}

	err = admin.Patch(fmt.Sprintf("/analyses/%v/issues/DRC001/status", analysis.Id)).
		Json(map[string]string{"status": "ignored"}).
		Do(nil)
	if err == nil {
		t.Fatal("invalid issue status should be rejected")
	}

	err = admin.Post(fmt.Sprintf("/analyses/%v/issues/DRC999/comments", analysis.Id)).
		Json(map[string]string{"body": "hm"}).
		Do(nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("comment on unknown issue should 404, got %v", err)
	}

	issues = nil
	if err := admin.Get(fmt.Sprintf("/analyses/%v/issues", analysis.Id)).Do(&issues); err != nil {
		t.Fatal(err)
	}
	for _, issue := range issues {
		switch issue.Id {
		case "DRC001":
			if issue.Status != "acknowledged" || issue.CommentCount != 2 {
				t.Fatalf("unexpected DRC001 thread state %+v", issue)
			}
		case "DRC002":
			if issue.Status != "open" || issue.CommentCount != 0 {
				t.Fatalf("DRC002 should be untouched: %+v", issue)
			}
		}
	}

	// Author-only delete applies to issue comments as well.
	err = member.Delete(fmt.Sprintf("/analyses/%v/issues/DRC001/comments/%v", analysis.Id, comment.Id)).Do(nil)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-author should not delete issue comment, got %v", err)
	}
	err = admin.Delete(fmt.Sprintf("/analyses/%v/issues/DRC001/comments/%v", analysis.Id, comment.Id)).Do(nil)
	if err != nil {
		t.Fatal(err)
	}
}

func TestIssuesUnavailableBeforeCompletion(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	defer close(gate)
	env.engine.setGate(gate)

	analysis, err := admin.startAnalysis(res.Project.Id, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = admin.Get(fmt.Sprintf("/analyses/%v/issues", analysis.Id)).Do(nil)
	if err == nil {
		t.Fatal("issues should be unavailable before completion")
	}
}

func TestAnalysisDeletePermissions(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newMember(admin, "alice")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.newMember(admin, "bob")
	if err != nil {
		t.Fatal(err)
	}

	res, err := member.createProject("alice-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	analysis, err := member.startAnalysis(res.Project.Id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := member.awaitAnalysis(analysis.Id, awaitTimeout); err != nil {
		t.Fatal(err)
	}

	err = other.Delete(fmt.Sprintf("/analyses/%v", analysis.Id)).Do(nil)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-creator member should not delete analysis, got %v", err)
	}

	err = admin.Delete(fmt.Sprintf("/analyses/%v", analysis.Id)).Do(nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := member.getAnalysis(analysis.Id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted analysis should 404, got %v", err)
	}
}
