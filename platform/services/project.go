package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/auth"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/filetree"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/storage"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxUploadBytes = 200 * 1024 * 1024

	// Retries for the version insert if the unique (project_id, version_number)
	// index rejects a concurrent assignment. The project row lock should make
	// this a non-event, the retry is the backstop for the invariant.
	versionCreateRetries = 3

	signedUrlExpiry = time.Hour
)

type ProjectService struct {
	db       *gorm.DB
	store    storage.ArtifactStore
	userAuth *auth.IdentityProvider
	analysis *AnalysisService
}

func (s *ProjectService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Group(func(r chi.Router) {
		r.Use(checkSufficientStorage(s.store))

		r.Post("/", s.Create)
		r.Post("/{project_id}/versions", s.CreateVersion)
	})

	r.Get("/", s.List)
	r.Get("/{project_id}", s.GetProject)
	r.Patch("/{project_id}", s.Update)
	r.Delete("/{project_id}", s.Delete)

	r.Get("/{project_id}/versions", s.ListVersions)
	r.Get("/{project_id}/versions/{version_id}/download", s.Download)

	r.Get("/{project_id}/contributors", s.ListContributors)

	r.Get("/{project_id}/files", s.FileTree)
	r.Get("/{project_id}/files/*", s.FileInfo)

	r.Get("/{project_id}/comments", s.ListComments)
	r.Post("/{project_id}/comments", s.AddComment)
	r.Delete("/{project_id}/comments/{comment_id}", s.DeleteComment)

	r.Post("/{project_id}/analyze", s.analysis.Start)
	r.Get("/{project_id}/analyses", s.analysis.ListForProject)

	return r
}

type ProjectInfo struct {
	Id               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	UserComment      string     `json:"user_comment"`
	EdaTool          string     `json:"eda_tool"`
	CurrentVersionId *uuid.UUID `json:"current_version_id"`
	VersionCount     int        `json:"version_count"`
	CreatedBy        uuid.UUID  `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func convertToProjectInfo(project *schema.Project) ProjectInfo {
	return ProjectInfo{
		Id:               project.Id,
		Name:             project.Name,
		Description:      project.Description,
		UserComment:      project.UserComment,
		EdaTool:          project.EdaTool,
		CurrentVersionId: project.CurrentVersionId,
		VersionCount:     project.VersionCount,
		CreatedBy:        project.CreatedBy,
		CreatedAt:        project.CreatedAt,
		UpdatedAt:        project.UpdatedAt,
	}
}

type VersionInfo struct {
	Id               uuid.UUID `json:"id"`
	VersionNumber    int       `json:"version_number"`
	VersionName      string    `json:"version_name"`
	Description      string    `json:"description"`
	OriginalFilename string    `json:"original_filename"`
	FileSizeBytes    int64     `json:"file_size_bytes"`
	EdaTool          string    `json:"eda_tool"`
	UploadedBy       uuid.UUID `json:"uploaded_by"`
	UploaderUsername string    `json:"uploader_username,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func convertToVersionInfo(version *schema.ProjectVersion) VersionInfo {
	info := VersionInfo{
		Id:               version.Id,
		VersionNumber:    version.VersionNumber,
		VersionName:      version.VersionName,
		Description:      version.Description,
		OriginalFilename: version.OriginalFilename,
		FileSizeBytes:    version.FileSizeBytes,
		EdaTool:          version.EdaTool,
		UploadedBy:       version.UploadedBy,
		CreatedAt:        version.CreatedAt,
	}
	if version.Uploader != nil {
		info.UploaderUsername = version.Uploader.Username
	}
	return info
}

type uploadedArchive struct {
	filename string
	data     []byte
	snapshot filetree.Snapshot
	treeJson string
}

func (s *ProjectService) parseUpload(w http.ResponseWriter, r *http.Request) (uploadedArchive, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("error parsing upload: %v", err), http.StatusBadRequest)
		return uploadedArchive{}, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "upload must include a 'file' field with the design archive", http.StatusUnprocessableEntity)
		return uploadedArchive{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("error reading uploaded file: %v", err), http.StatusBadRequest)
		return uploadedArchive{}, false
	}
	if len(data) == 0 {
		http.Error(w, "uploaded file is empty", http.StatusUnprocessableEntity)
		return uploadedArchive{}, false
	}

	snapshot, err := filetree.Inspect(header.Filename, data)
	if err != nil {
		http.Error(w, fmt.Sprintf("error inspecting uploaded archive: %v", err), http.StatusUnprocessableEntity)
		return uploadedArchive{}, false
	}

	treeJson, err := snapshot.ToJson()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return uploadedArchive{}, false
	}

	return uploadedArchive{filename: header.Filename, data: data, snapshot: snapshot, treeJson: treeJson}, true
}

// recordContribution upserts the contributor row for (project, user) inside
// the version upload transaction. The increment happens in the database, never
// as a read-modify-write, so concurrent uploads cannot lose counts.
func recordContribution(txn *gorm.DB, projectId, userId uuid.UUID, role string) error {
	now := time.Now().UTC()
	contributor := schema.ProjectContributor{
		ProjectId:           projectId,
		UserId:              userId,
		Role:                role,
		ContributionCount:   1,
		FirstContributionAt: now,
		LastContributionAt:  now,
	}

	result := txn.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"contribution_count":   gorm.Expr("contribution_count + 1"),
			"last_contribution_at": now,
		}),
	}).Create(&contributor)
	if result.Error != nil {
		slog.Error("sql error upserting contributor", "project_id", projectId, "user_id", userId, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}

func (s *ProjectService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	upload, ok := s.parseUpload(w, r)
	if !ok {
		return
	}

	name := r.FormValue("name")
	if name == "" {
		http.Error(w, "project name is required", http.StatusUnprocessableEntity)
		return
	}

	projectId := uuid.New()
	versionId := uuid.New()
	now := time.Now().UTC()

	versionName := r.FormValue("version_name")
	if versionName == "" {
		versionName = "v1.0"
	}

	artifactPath := storage.VersionArtifactPath(user.OrganizationId, projectId, versionId, upload.filename)
	if err := s.store.Write(artifactPath, bytes.NewReader(upload.data), int64(len(upload.data))); err != nil {
		http.Error(w, fmt.Sprintf("error storing uploaded archive: %v", err), http.StatusInternalServerError)
		return
	}

	project := schema.Project{
		Id:               projectId,
		OrganizationId:   user.OrganizationId,
		Name:             name,
		Description:      r.FormValue("description"),
		UserComment:      r.FormValue("user_comment"),
		EdaTool:          upload.snapshot.EdaTool,
		CurrentVersionId: &versionId,
		VersionCount:     1,
		CreatedBy:        user.Id,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	version := schema.ProjectVersion{
		Id:               versionId,
		ProjectId:        projectId,
		VersionNumber:    1,
		VersionName:      versionName,
		Description:      r.FormValue("version_description"),
		ArtifactPath:     artifactPath,
		OriginalFilename: upload.filename,
		FileSizeBytes:    upload.snapshot.TotalSizeBytes,
		EdaTool:          upload.snapshot.EdaTool,
		FileTreeJson:     upload.treeJson,
		UploadedBy:       user.Id,
		CreatedAt:        now,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if result := txn.Create(&project); result.Error != nil {
			slog.Error("sql error creating project", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result := txn.Create(&version); result.Error != nil {
			slog.Error("sql error creating initial project version", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return recordContribution(txn, projectId, user.Id, schema.ContributorOwner)
	})
	if err != nil {
		if deleteErr := s.store.Delete(artifactPath); deleteErr != nil {
			slog.Error("error removing artifact after failed project create", "path", artifactPath, "error", deleteErr)
		}
		http.Error(w, fmt.Sprintf("error creating project: %v", err), GetResponseCode(err))
		return
	}

	projectsCreatedMetric.Inc()
	versionsUploadedMetric.Inc()
	uploadBytesMetric.Add(float64(len(upload.data)))

	slog.Info("created project", "project_id", projectId, "org_id", user.OrganizationId, "eda_tool", upload.snapshot.EdaTool)

	utils.WriteJsonResponse(w, map[string]interface{}{
		"project": convertToProjectInfo(&project),
		"version": convertToVersionInfo(&version),
	})
}

// CreateVersion assigns the next version number for the project. The project
// row is locked for the duration of the transaction so concurrent uploads
// serialize on the counter, each winning exactly one successive integer.
func (s *ProjectService) CreateVersion(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upload, ok := s.parseUpload(w, r)
	if !ok {
		return
	}

	versionId := uuid.New()
	artifactPath := storage.VersionArtifactPath(user.OrganizationId, projectId, versionId, upload.filename)
	if err := s.store.Write(artifactPath, bytes.NewReader(upload.data), int64(len(upload.data))); err != nil {
		http.Error(w, fmt.Sprintf("error storing uploaded archive: %v", err), http.StatusInternalServerError)
		return
	}

	var version schema.ProjectVersion
	for attempt := 0; ; attempt++ {
		version, err = s.insertVersion(projectId, versionId, user, upload, r.FormValue("version_name"), r.FormValue("version_description"))
		if err == nil {
			break
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) && attempt+1 < versionCreateRetries {
			slog.Info("version number conflict, retrying", "project_id", projectId, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = CodedError(errors.New("conflicting concurrent uploads, please retry"), http.StatusConflict)
		}
		if deleteErr := s.store.Delete(artifactPath); deleteErr != nil {
			slog.Error("error removing artifact after failed version create", "path", artifactPath, "error", deleteErr)
		}
		http.Error(w, fmt.Sprintf("error creating version: %v", err), GetResponseCode(err))
		return
	}

	versionsUploadedMetric.Inc()
	uploadBytesMetric.Add(float64(len(upload.data)))

	slog.Info("created project version", "project_id", projectId, "version_id", versionId, "version_number", version.VersionNumber)

	utils.WriteJsonResponse(w, convertToVersionInfo(&version))
}

func (s *ProjectService) insertVersion(projectId, versionId uuid.UUID, user schema.User, upload uploadedArchive, versionName, description string) (schema.ProjectVersion, error) {
	var version schema.ProjectVersion

	err := s.db.Transaction(func(txn *gorm.DB) error {
		var project schema.Project
		result := txn.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND organization_id = ?", projectId, user.OrganizationId).
			First(&project)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return CodedError(schema.ErrProjectNotFound, http.StatusNotFound)
			}
			slog.Error("sql error locking project for version assignment", "project_id", projectId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		next := project.VersionCount + 1
		name := versionName
		if name == "" {
			name = fmt.Sprintf("v%d.0", next)
		}

		version = schema.ProjectVersion{
			Id:               versionId,
			ProjectId:        projectId,
			VersionNumber:    next,
			VersionName:      name,
			Description:      description,
			ArtifactPath:     storage.VersionArtifactPath(user.OrganizationId, projectId, versionId, upload.filename),
			OriginalFilename: upload.filename,
			FileSizeBytes:    upload.snapshot.TotalSizeBytes,
			EdaTool:          upload.snapshot.EdaTool,
			FileTreeJson:     upload.treeJson,
			UploadedBy:       user.Id,
			CreatedAt:        time.Now().UTC(),
		}

		if result := txn.Create(&version); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return result.Error
			}
			slog.Error("sql error creating project version", "project_id", projectId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		updates := map[string]interface{}{
			"version_count":      next,
			"current_version_id": versionId,
			"updated_at":         time.Now().UTC(),
		}
		if upload.snapshot.EdaTool != filetree.ToolUnknown {
			updates["eda_tool"] = upload.snapshot.EdaTool
		}
		if result := txn.Model(&schema.Project{Id: projectId}).Updates(updates); result.Error != nil {
			slog.Error("sql error updating project version counter", "project_id", projectId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		role := schema.ContributorContributor
		if user.Id == project.CreatedBy {
			role = schema.ContributorOwner
		}
		return recordContribution(txn, projectId, user.Id, role)
	})

	return version, err
}

func (s *ProjectService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var projects []schema.Project
	result := s.db.Where("organization_id = ?", user.OrganizationId).Order("updated_at desc").Find(&projects)
	if result.Error != nil {
		slog.Error("sql error listing projects", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing projects: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ProjectInfo, 0, len(projects))
	for _, p := range projects {
		infos = append(infos, convertToProjectInfo(&p))
	}
	utils.WriteJsonResponse(w, infos)
}

type ContributorInfo struct {
	UserId              uuid.UUID `json:"user_id"`
	Username            string    `json:"username,omitempty"`
	Role                string    `json:"role"`
	ContributionCount   int       `json:"contribution_count"`
	FirstContributionAt time.Time `json:"first_contribution_at"`
	LastContributionAt  time.Time `json:"last_contribution_at"`
}

func (s *ProjectService) loadContributors(projectId uuid.UUID) ([]ContributorInfo, error) {
	var contributors []schema.ProjectContributor
	result := s.db.Preload("User").
		Where("project_id = ?", projectId).
		Order("contribution_count desc").
		Find(&contributors)
	if result.Error != nil {
		slog.Error("sql error listing contributors", "project_id", projectId, "error", result.Error)
		return nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	infos := make([]ContributorInfo, 0, len(contributors))
	for _, c := range contributors {
		info := ContributorInfo{
			UserId:              c.UserId,
			Role:                c.Role,
			ContributionCount:   c.ContributionCount,
			FirstContributionAt: c.FirstContributionAt,
			LastContributionAt:  c.LastContributionAt,
		}
		if c.User != nil {
			info.Username = c.User.Username
		}
		infos = append(infos, info)
	}
	return infos, nil
}

type projectDetailResponse struct {
	Project      ProjectInfo       `json:"project"`
	FileTree     json.RawMessage   `json:"file_tree,omitempty"`
	Contributors []ContributorInfo `json:"contributors"`
	Analyses     []AnalysisInfo    `json:"analyses"`
}

func (s *ProjectService) GetProject(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, err := schema.GetProject(projectId, user.OrganizationId, s.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrProjectNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting project: %v", err), http.StatusInternalServerError)
		return
	}

	res := projectDetailResponse{Project: convertToProjectInfo(&project)}

	if project.CurrentVersionId != nil {
		version, err := schema.GetVersion(*project.CurrentVersionId, projectId, s.db)
		if err == nil && version.FileTreeJson != "" {
			res.FileTree = json.RawMessage(version.FileTreeJson)
		}
	}

	res.Contributors, err = s.loadContributors(projectId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting project: %v", err), GetResponseCode(err))
		return
	}

	var analyses []schema.Analysis
	result := s.db.Where("project_id = ?", projectId).Order("created_at desc").Limit(20).Find(&analyses)
	if result.Error != nil {
		slog.Error("sql error listing project analyses", "project_id", projectId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error getting project: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}
	res.Analyses = make([]AnalysisInfo, 0, len(analyses))
	for _, a := range analyses {
		res.Analyses = append(res.Analyses, convertToAnalysisInfo(&a))
	}

	utils.WriteJsonResponse(w, res)
}

type updateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	UserComment *string `json:"user_comment"`
}

func (s *ProjectService) Update(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Name != nil && *params.Name == "" {
		http.Error(w, "project name cannot be empty", http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetProject(projectId, user.OrganizationId, txn, false)
		if err != nil {
			if errors.Is(err, schema.ErrProjectNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if params.Name != nil {
			project.Name = *params.Name
		}
		if params.Description != nil {
			project.Description = *params.Description
		}
		if params.UserComment != nil {
			project.UserComment = *params.UserComment
		}
		project.UpdatedAt = time.Now().UTC()

		if result := txn.Save(&project); result.Error != nil {
			slog.Error("sql error updating project", "project_id", projectId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating project: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *ProjectService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetProject(projectId, user.OrganizationId, txn, false)
		if err != nil {
			if errors.Is(err, schema.ErrProjectNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if project.CreatedBy != user.Id && !user.IsAdmin() {
			return CodedError(errors.New("only the project creator or an organization admin can delete a project"), http.StatusForbidden)
		}

		// Issue comments hang off analyses, and association deletes only go
		// one level deep, so they are removed first.
		issueComments := txn.Where(
			"analysis_id IN (?)",
			txn.Model(&schema.Analysis{}).Select("id").Where("project_id = ?", projectId),
		).Delete(&schema.IssueComment{})
		if issueComments.Error != nil {
			slog.Error("sql error deleting project issue comments", "project_id", projectId, "error", issueComments.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if result := txn.Select(clause.Associations).Delete(&schema.Project{Id: projectId}); result.Error != nil {
			slog.Error("sql error deleting project", "project_id", projectId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting project: %v", err), GetResponseCode(err))
		return
	}

	if err := s.store.DeletePrefix(storage.ProjectPrefix(user.OrganizationId, projectId)); err != nil {
		slog.Error("error deleting project artifacts", "project_id", projectId, "error", err)
	}

	slog.Info("deleted project", "project_id", projectId, "org_id", user.OrganizationId)

	utils.WriteSuccess(w)
}

func (s *ProjectService) ListVersions(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkProjectExists(s.db, projectId, user.OrganizationId); err != nil {
		http.Error(w, fmt.Sprintf("error listing versions: %v", err), GetResponseCode(err))
		return
	}

	var versions []schema.ProjectVersion
	result := s.db.Preload("Uploader").
		Where("project_id = ?", projectId).
		Order("version_number desc").
		Find(&versions)
	if result.Error != nil {
		slog.Error("sql error listing versions", "project_id", projectId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing versions: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]VersionInfo, 0, len(versions))
	for _, v := range versions {
		infos = append(infos, convertToVersionInfo(&v))
	}
	utils.WriteJsonResponse(w, infos)
}

type downloadResponse struct {
	DownloadUrl   string `json:"download_url"`
	ExpiresInSecs int    `json:"expires_in_secs"`
}

func (s *ProjectService) Download(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	versionId, err := utils.URLParamUUID(r, "version_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkProjectExists(s.db, projectId, user.OrganizationId); err != nil {
		http.Error(w, fmt.Sprintf("error downloading version: %v", err), GetResponseCode(err))
		return
	}

	version, err := schema.GetVersion(versionId, projectId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrVersionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error downloading version: %v", err), http.StatusInternalServerError)
		return
	}

	url, err := s.store.SignedDownloadUrl(r.Context(), version.ArtifactPath, version.OriginalFilename, signedUrlExpiry)
	if err == nil {
		utils.WriteJsonResponse(w, downloadResponse{DownloadUrl: url, ExpiresInSecs: int(signedUrlExpiry.Seconds())})
		return
	}
	if !errors.Is(err, storage.ErrSignedUrlUnsupported) {
		http.Error(w, fmt.Sprintf("error generating download url: %v", err), http.StatusInternalServerError)
		return
	}

	// Backend cannot mint signed urls, stream the artifact directly.
	artifact, err := s.store.Read(version.ArtifactPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("error reading artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer artifact.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%v"`, version.OriginalFilename))
	if _, err := io.Copy(w, artifact); err != nil {
		slog.Error("error streaming artifact", "path", version.ArtifactPath, "error", err)
	}
}

func (s *ProjectService) ListContributors(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkProjectExists(s.db, projectId, user.OrganizationId); err != nil {
		http.Error(w, fmt.Sprintf("error listing contributors: %v", err), GetResponseCode(err))
		return
	}

	infos, err := s.loadContributors(projectId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing contributors: %v", err), GetResponseCode(err))
		return
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *ProjectService) currentFileTree(projectId, orgId uuid.UUID) (*filetree.Node, error) {
	project, err := schema.GetProject(projectId, orgId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrProjectNotFound) {
			return nil, CodedError(err, http.StatusNotFound)
		}
		return nil, CodedError(err, http.StatusInternalServerError)
	}
	if project.CurrentVersionId == nil {
		return nil, CodedError(errors.New("project has no versions"), http.StatusNotFound)
	}

	version, err := schema.GetVersion(*project.CurrentVersionId, projectId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrVersionNotFound) {
			return nil, CodedError(err, http.StatusNotFound)
		}
		return nil, CodedError(err, http.StatusInternalServerError)
	}

	root, err := filetree.FromJson(version.FileTreeJson)
	if err != nil {
		return nil, CodedError(err, http.StatusNotFound)
	}
	return root, nil
}

func (s *ProjectService) FileTree(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	root, err := s.currentFileTree(projectId, user.OrganizationId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting file tree: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, root)
}

func findNode(root *filetree.Node, path string) *filetree.Node {
	if root.Path == path {
		return root
	}
	for _, child := range root.Children {
		if found := findNode(child, path); found != nil {
			return found
		}
	}
	return nil
}

func (s *ProjectService) FileInfo(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	filePath, err := utils.WildcardParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	root, err := s.currentFileTree(projectId, user.OrganizationId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting file info: %v", err), GetResponseCode(err))
		return
	}

	node := findNode(root, filePath)
	if node == nil {
		http.Error(w, fmt.Sprintf("no file '%v' in current version", filePath), http.StatusNotFound)
		return
	}

	var commentCount int64
	result := s.db.Model(&schema.FileComment{}).
		Where("project_id = ? AND file_path = ?", projectId, filePath).
		Count(&commentCount)
	if result.Error != nil {
		slog.Error("sql error counting file comments", "project_id", projectId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error getting file info: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{
		"file":          node,
		"comment_count": commentCount,
	})
}

type FileCommentInfo struct {
	Id             uuid.UUID `json:"id"`
	FilePath       string    `json:"file_path"`
	Body           string    `json:"body"`
	CreatedBy      uuid.UUID `json:"created_by"`
	AuthorUsername string    `json:"author_username,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func convertToFileCommentInfo(comment *schema.FileComment) FileCommentInfo {
	info := FileCommentInfo{
		Id:        comment.Id,
		FilePath:  comment.FilePath,
		Body:      comment.Body,
		CreatedBy: comment.CreatedBy,
		CreatedAt: comment.CreatedAt,
		UpdatedAt: comment.UpdatedAt,
	}
	if comment.Author != nil {
		info.AuthorUsername = comment.Author.Username
	}
	return info
}

type listCommentsResponse struct {
	Comments []FileCommentInfo `json:"comments"`
	Counts   map[string]int64  `json:"counts_by_path"`
}

// ListComments returns file comments oldest-first, optionally filtered to one
// path via the 'path' query parameter. Per-path counts are always included for
// badge rendering.
func (s *ProjectService) ListComments(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkProjectExists(s.db, projectId, user.OrganizationId); err != nil {
		http.Error(w, fmt.Sprintf("error listing comments: %v", err), GetResponseCode(err))
		return
	}

	query := s.db.Preload("Author").Where("project_id = ?", projectId)
	if path := r.URL.Query().Get("path"); path != "" {
		query = query.Where("file_path = ?", path)
	}

	var comments []schema.FileComment
	if result := query.Order("created_at asc").Find(&comments); result.Error != nil {
		slog.Error("sql error listing file comments", "project_id", projectId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing comments: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	var countRows []struct {
		FilePath string
		Count    int64
	}
	result := s.db.Model(&schema.FileComment{}).
		Select("file_path, count(*) as count").
		Where("project_id = ?", projectId).
		Group("file_path").
		Scan(&countRows)
	if result.Error != nil {
		slog.Error("sql error counting file comments by path", "project_id", projectId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing comments: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	res := listCommentsResponse{
		Comments: make([]FileCommentInfo, 0, len(comments)),
		Counts:   make(map[string]int64, len(countRows)),
	}
	for _, c := range comments {
		res.Comments = append(res.Comments, convertToFileCommentInfo(&c))
	}
	for _, row := range countRows {
		res.Counts[row.FilePath] = row.Count
	}

	utils.WriteJsonResponse(w, res)
}

type addCommentRequest struct {
	FilePath string `json:"file_path"`
	Body     string `json:"body"`
}

func (s *ProjectService) AddComment(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params addCommentRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Body == "" {
		http.Error(w, "comment body cannot be empty", http.StatusUnprocessableEntity)
		return
	}
	if params.FilePath == "" {
		http.Error(w, "file_path is required", http.StatusUnprocessableEntity)
		return
	}

	// The path must exist in the current version's tree. Comments on paths
	// removed by later uploads are kept, only creation is checked.
	root, err := s.currentFileTree(projectId, user.OrganizationId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error adding comment: %v", err), GetResponseCode(err))
		return
	}
	if !filetree.ContainsPath(root, params.FilePath) {
		http.Error(w, fmt.Sprintf("no file '%v' in current version", params.FilePath), http.StatusUnprocessableEntity)
		return
	}

	now := time.Now().UTC()
	comment := schema.FileComment{
		Id:        uuid.New(),
		ProjectId: projectId,
		FilePath:  params.FilePath,
		Body:      params.Body,
		CreatedBy: user.Id,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if result := s.db.Create(&comment); result.Error != nil {
		slog.Error("sql error creating file comment", "project_id", projectId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error adding comment: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	comment.Author = &user
	utils.WriteJsonResponse(w, convertToFileCommentInfo(&comment))
}

// DeleteComment removes a file comment. Only the original author may delete,
// admins have no override.
func (s *ProjectService) DeleteComment(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	commentId, err := utils.URLParamUUID(r, "comment_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkProjectExists(txn, projectId, user.OrganizationId); err != nil {
			return err
		}

		comment, err := schema.GetFileComment(commentId, projectId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrCommentNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if comment.CreatedBy != user.Id {
			return CodedError(errors.New("only the comment author can delete a comment"), http.StatusForbidden)
		}

		if result := txn.Delete(&schema.FileComment{Id: commentId}); result.Error != nil {
			slog.Error("sql error deleting file comment", "comment_id", commentId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting comment: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
