package tests

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"

	"github.com/google/uuid"
)

func TestProjectLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	if res.Project.Name != "sensor-board" || res.Project.VersionCount != 1 {
		t.Fatalf("unexpected project %+v", res.Project)
	}
	if res.Project.EdaTool != "kicad" {
		t.Fatalf("expected kicad detection, got %v", res.Project.EdaTool)
	}
	if res.Version.VersionNumber != 1 || res.Version.VersionName != "v1.0" {
		t.Fatalf("unexpected initial version %+v", res.Version)
	}

	projects, err := admin.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].Id != res.Project.Id {
		t.Fatalf("unexpected project list %+v", projects)
	}

	err = admin.updateProject(res.Project.Id, map[string]string{"description": "main sensor pcb"})
	if err != nil {
		t.Fatal(err)
	}

	detail, err := admin.getProject(res.Project.Id)
	if err != nil {
		t.Fatal(err)
	}
	var project struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(detail["project"], &project); err != nil {
		t.Fatal(err)
	}
	if project.Description != "main sensor pcb" {
		t.Fatalf("description not updated: %v", project.Description)
	}
	if _, ok := detail["file_tree"]; !ok {
		t.Fatal("project detail should include the current file tree")
	}

	err = admin.deleteProject(res.Project.Id)
	if err != nil {
		t.Fatal(err)
	}

	projects, err = admin.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Fatalf("project should be deleted, got %+v", projects)
	}
}

func TestVersionsListedNewestFirst(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	for i := 2; i <= 4; i++ {
		version, err := admin.uploadVersion(res.Project.Id, "", kicadArchive())
		if err != nil {
			t.Fatal(err)
		}
		if version.VersionNumber != i {
			t.Fatalf("expected version %d, got %d", i, version.VersionNumber)
		}
		if version.VersionName != fmt.Sprintf("v%d.0", i) {
			t.Fatalf("unexpected default version name %v", version.VersionName)
		}
	}

	versions, err := admin.listVersions(res.Project.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 4 {
		t.Fatalf("expected 4 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.VersionNumber != 4-i {
			t.Fatalf("versions not newest first: %+v", versions)
		}
	}
}

func TestEmptyUploadRejected(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	body, contentType, err := multipartBody(map[string]string{"name": "empty"}, "design.zip", nil)
	if err != nil {
		t.Fatal(err)
	}

	err = admin.Post("/projects").Header("Content-Type", contentType).Body(body).Do(nil)
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Fatalf("empty upload should be rejected with 422, got %v", err)
	}
}

func TestProjectDeletePermissions(t *testing.T) {
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

	if err := other.deleteProject(res.Project.Id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-creator member should not delete, got %v", err)
	}

	// Admin override applies to projects, unlike comments.
	if err := admin.deleteProject(res.Project.Id); err != nil {
		t.Fatal(err)
	}
}

func TestFileTreeAndFileInfo(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("sensor-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}

	var root struct {
		Name        string `json:"name"`
		IsDirectory bool   `json:"is_directory"`
		Children    []struct {
			Name string `json:"name"`
			Path string `json:"path"`
		} `json:"children"`
	}
	err = admin.Get(fmt.Sprintf("/projects/%v/files", res.Project.Id)).Do(&root)
	if err != nil {
		t.Fatal(err)
	}
	if !root.IsDirectory || len(root.Children) != 2 {
		t.Fatalf("unexpected tree root %+v", root)
	}

	var fileInfo struct {
		File struct {
			Path     string `json:"path"`
			FileType string `json:"file_type"`
		} `json:"file"`
		CommentCount int64 `json:"comment_count"`
	}
	err = admin.Get(fmt.Sprintf("/projects/%v/files/board/main.kicad_pcb", res.Project.Id)).Do(&fileInfo)
	if err != nil {
		t.Fatal(err)
	}
	if fileInfo.File.FileType != "pcb_layout" {
		t.Fatalf("unexpected file info %+v", fileInfo)
	}

	err = admin.Get(fmt.Sprintf("/projects/%v/files/board/missing.brd", res.Project.Id)).Do(nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file should 404, got %v", err)
	}
}

func TestFileComments(t *testing.T) {
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
	projectId := res.Project.Id

	if _, err := admin.addComment(projectId, "board/main.kicad_pcb", ""); err == nil {
		t.Fatal("empty comment body should be rejected")
	}
	if _, err := admin.addComment(projectId, "no/such/file.brd", "hm"); err == nil {
		t.Fatal("comment on unknown path should be rejected")
	}

	first, err := admin.addComment(projectId, "board/main.kicad_pcb", "check the mounting holes")
	if err != nil {
		t.Fatal(err)
	}
	second, err := member.addComment(projectId, "board/main.kicad_pcb", "holes look fine")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := member.addComment(projectId, "docs/bom.csv", "bom needs part numbers"); err != nil {
		t.Fatal(err)
	}

	comments, counts, err := admin.listComments(projectId, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 3 {
		t.Fatalf("expected 3 comments, got %d", len(comments))
	}
	if comments[0].Id != first.Id {
		t.Fatal("comments should be ordered oldest first")
	}
	if counts["board/main.kicad_pcb"] != 2 || counts["docs/bom.csv"] != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	filtered, _, err := admin.listComments(projectId, "docs/bom.csv")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].FilePath != "docs/bom.csv" {
		t.Fatalf("unexpected filtered comments %+v", filtered)
	}

	// Author-only delete, even org admins have no override.
	if err := admin.deleteComment(projectId, second.Id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("admin should not delete another user's comment, got %v", err)
	}
	if err := member.deleteComment(projectId, second.Id); err != nil {
		t.Fatal(err)
	}

	comments, _, err = admin.listComments(projectId, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments after delete, got %d", len(comments))
	}
}

func TestContributorLedger(t *testing.T) {
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
	projectId := res.Project.Id

	for i := 0; i < 3; i++ {
		if _, err := member.uploadVersion(projectId, "", kicadArchive()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := admin.uploadVersion(projectId, "", kicadArchive()); err != nil {
		t.Fatal(err)
	}

	contributors, err := admin.listContributors(projectId)
	if err != nil {
		t.Fatal(err)
	}
	if len(contributors) != 2 {
		t.Fatalf("expected 2 contributors, got %+v", contributors)
	}

	// Ordered by contribution count: alice has 3, the admin has 2 (create + upload).
	if contributors[0].Username != "alice" || contributors[0].ContributionCount != 3 {
		t.Fatalf("unexpected top contributor %+v", contributors[0])
	}
	if contributors[1].ContributionCount != 2 || contributors[1].Role != "owner" {
		t.Fatalf("unexpected owner entry %+v", contributors[1])
	}
	if contributors[0].Role != "contributor" {
		t.Fatalf("unexpected role %+v", contributors[0])
	}
	if contributors[0].LastContributionAt.Before(contributors[0].FirstContributionAt) {
		t.Fatal("last contribution cannot precede first")
	}
}

func TestTenantIsolation(t *testing.T) {
	env := setupTestEnv(t)

	acme, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}
	rival, err := env.newOrg("rival")
	if err != nil {
		t.Fatal(err)
	}

	res, err := acme.createProject("secret-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}
	projectId := res.Project.Id

	analysis, err := acme.startAnalysis(projectId, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acme.awaitAnalysis(analysis.Id, awaitTimeout); err != nil {
		t.Fatal(err)
	}

	comment, err := acme.addComment(projectId, "docs/bom.csv", "internal note")
	if err != nil {
		t.Fatal(err)
	}

	// Every cross-tenant id must look like a missing resource, never a 403.
	if _, err := rival.getProject(projectId); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant project get should 404, got %v", err)
	}
	if _, err := rival.listVersions(projectId); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant version list should 404, got %v", err)
	}
	if _, err := rival.uploadVersion(projectId, "", kicadArchive()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant upload should 404, got %v", err)
	}
	if _, _, err := rival.listComments(projectId, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant comment list should 404, got %v", err)
	}
	if err := rival.deleteComment(projectId, comment.Id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant comment delete should 404, got %v", err)
	}
	if _, err := rival.getAnalysis(analysis.Id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant analysis get should 404, got %v", err)
	}
	if _, err := rival.startAnalysis(projectId, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant analyze should 404, got %v", err)
	}
	if err := rival.deleteProject(projectId); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant project delete should 404, got %v", err)
	}

	projects, err := rival.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Fatalf("rival org should see no projects, got %+v", projects)
	}

	analyses := make([]map[string]interface{}, 0)
	if err := rival.Get("/analyses").Do(&analyses); err != nil {
		t.Fatal(err)
	}
	if len(analyses) != 0 {
		t.Fatalf("rival org should see no analyses, got %+v", analyses)
	}
}

func TestUnknownProjectId(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := admin.getProject(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown project id should 404, got %v", err)
	}
}

func TestProjectDeleteCascades(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	res, err := admin.createProject("cascade-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}
	projectId := res.Project.Id

	if _, err := admin.uploadVersion(projectId, "rev B", kicadArchive()); err != nil {
		t.Fatal(err)
	}
	if _, err := admin.addComment(projectId, "board/main.kicad_pcb", "check clearance near J1"); err != nil {
		t.Fatal(err)
	}

	analysis, err := admin.startAnalysis(projectId, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := admin.awaitAnalysis(analysis.Id, awaitTimeout); err != nil {
		t.Fatal(err)
	}
	err = admin.Post(fmt.Sprintf("/analyses/%v/issues/DRC001/comments", analysis.Id)).
		Json(map[string]string{"body": "looking into it"}).
		Do(nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := admin.deleteProject(projectId); err != nil {
		t.Fatal(err)
	}

	for table, model := range map[string]interface{}{
		"project versions":     &schema.ProjectVersion{},
		"project contributors": &schema.ProjectContributor{},
		"file comments":        &schema.FileComment{},
		"analyses":             &schema.Analysis{},
	} {
		var count int64
		if err := env.db.Model(model).Where("project_id = ?", projectId).Count(&count).Error; err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Fatalf("%v rows survived project deletion: %v", table, count)
		}
	}

	var orphans int64
	if err := env.db.Model(&schema.IssueComment{}).Where("analysis_id = ?", analysis.Id).Count(&orphans).Error; err != nil {
		t.Fatal(err)
	}
	if orphans != 0 {
		t.Fatalf("issue comment rows survived project deletion: %v", orphans)
	}
}
