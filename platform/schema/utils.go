package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrProjectNotFound      = errors.New("project not found")
	ErrVersionNotFound      = errors.New("project version not found")
	ErrAnalysisNotFound     = errors.New("analysis not found")
	ErrCommentNotFound      = errors.New("comment not found")
	ErrDbAccessFailed       = errors.New("db access failed")
)

func GetOrganization(orgId uuid.UUID, db *gorm.DB) (Organization, error) {
	var org Organization

	result := db.First(&org, "id = ?", orgId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return org, ErrOrganizationNotFound
		}
		slog.Error("sql error in get organization", "organization_id", orgId, "error", result.Error)
		return org, ErrDbAccessFailed
	}

	return org, nil
}

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

// GetProject is the only way to load a project; requiring the caller's org id
// here keeps every read path tenant scoped. A project belonging to another
// organization is indistinguishable from a missing one.
func GetProject(projectId, orgId uuid.UUID, db *gorm.DB, loadCreator bool) (Project, error) {
	var project Project

	query := db
	if loadCreator {
		query = query.Preload("Creator")
	}

	result := query.First(&project, "id = ? AND organization_id = ?", projectId, orgId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return project, ErrProjectNotFound
		}
		slog.Error("sql error in get project", "project_id", projectId, "error", result.Error)
		return project, ErrDbAccessFailed
	}

	return project, nil
}

func GetVersion(versionId, projectId uuid.UUID, db *gorm.DB) (ProjectVersion, error) {
	var version ProjectVersion

	result := db.Preload("Uploader").First(&version, "id = ? AND project_id = ?", versionId, projectId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return version, ErrVersionNotFound
		}
		slog.Error("sql error in get version", "version_id", versionId, "error", result.Error)
		return version, ErrDbAccessFailed
	}

	return version, nil
}

func GetAnalysis(analysisId, orgId uuid.UUID, db *gorm.DB) (Analysis, error) {
	var analysis Analysis

	result := db.First(&analysis, "id = ? AND organization_id = ?", analysisId, orgId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return analysis, ErrAnalysisNotFound
		}
		slog.Error("sql error in get analysis", "analysis_id", analysisId, "error", result.Error)
		return analysis, ErrDbAccessFailed
	}

	return analysis, nil
}

func GetFileComment(commentId, projectId uuid.UUID, db *gorm.DB) (FileComment, error) {
	var comment FileComment

	result := db.First(&comment, "id = ? AND project_id = ?", commentId, projectId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return comment, ErrCommentNotFound
		}
		slog.Error("sql error in get file comment", "comment_id", commentId, "error", result.Error)
		return comment, ErrDbAccessFailed
	}

	return comment, nil
}

func GetIssueComment(commentId, analysisId uuid.UUID, db *gorm.DB) (IssueComment, error) {
	var comment IssueComment

	result := db.First(&comment, "id = ? AND analysis_id = ?", commentId, analysisId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return comment, ErrCommentNotFound
		}
		slog.Error("sql error in get issue comment", "comment_id", commentId, "error", result.Error)
		return comment, ErrDbAccessFailed
	}

	return comment, nil
}
