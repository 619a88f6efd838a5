package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PlatformClient struct {
	BaseClient
}

func New(baseUrl string) *PlatformClient {
	return &PlatformClient{BaseClient: NewBaseClient(baseUrl, "")}
}

type Project struct {
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

type Version struct {
	Id               uuid.UUID `json:"id"`
	VersionNumber    int       `json:"version_number"`
	VersionName      string    `json:"version_name"`
	Description      string    `json:"description"`
	OriginalFilename string    `json:"original_filename"`
	FileSizeBytes    int64     `json:"file_size_bytes"`
	EdaTool          string    `json:"eda_tool"`
	UploadedBy       uuid.UUID `json:"uploaded_by"`
	CreatedAt        time.Time `json:"created_at"`
}

type Contributor struct {
	UserId              uuid.UUID `json:"user_id"`
	Username            string    `json:"username"`
	Role                string    `json:"role"`
	ContributionCount   int       `json:"contribution_count"`
	FirstContributionAt time.Time `json:"first_contribution_at"`
	LastContributionAt  time.Time `json:"last_contribution_at"`
}

type FileComment struct {
	Id             uuid.UUID `json:"id"`
	FilePath       string    `json:"file_path"`
	Body           string    `json:"body"`
	CreatedBy      uuid.UUID `json:"created_by"`
	AuthorUsername string    `json:"author_username"`
	CreatedAt      time.Time `json:"created_at"`
}

type AnalysisSummary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

type AnalysisResult struct {
	Summary          AnalysisSummary          `json:"summary"`
	RiskLevel        string                   `json:"risk_level"`
	IssuesByCategory map[string][]interface{} `json:"issues_by_category"`
}

type Analysis struct {
	Id          uuid.UUID       `json:"id"`
	ProjectId   uuid.UUID       `json:"project_id"`
	VersionId   uuid.UUID       `json:"version_id"`
	FabProfile  string          `json:"fab_profile"`
	Status      string          `json:"status"`
	Progress    string          `json:"progress"`
	Error       string          `json:"error"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Result      *AnalysisResult `json:"result"`
}

func (a *Analysis) Terminal() bool {
	return a.Status == "completed" || a.Status == "failed"
}

type signupRequest struct {
	OrganizationName string `json:"organization_name"`
	OrganizationSlug string `json:"organization_slug"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	Password         string `json:"password"`
}

type authResponse struct {
	UserId         uuid.UUID `json:"user_id"`
	OrganizationId uuid.UUID `json:"organization_id"`
	AccessToken    string    `json:"access_token"`
}

// Signup registers a new organization with its first admin user and stores
// the returned access token for subsequent calls.
func (c *PlatformClient) Signup(orgName, orgSlug, username, email, password string) error {
	var res authResponse
	err := c.Post("/api/user/signup").
		Json(signupRequest{
			OrganizationName: orgName,
			OrganizationSlug: orgSlug,
			Username:         username,
			Email:            email,
			Password:         password,
		}).
		Do(&res)
	if err != nil {
		return fmt.Errorf("error signing up: %w", err)
	}
	c.authToken = res.AccessToken
	return nil
}

func (c *PlatformClient) Login(email, password string) error {
	var res authResponse
	err := c.Get("/api/user/login").Login(email, password).Do(&res)
	if err != nil {
		return fmt.Errorf("error logging in: %w", err)
	}
	c.authToken = res.AccessToken
	return nil
}

type createProjectResponse struct {
	Project Project `json:"project"`
	Version Version `json:"version"`
}

func (c *PlatformClient) CreateProject(name, description, archivePath string) (Project, error) {
	body, contentType, err := multipartUpload(archivePath, map[string]string{
		"name":        name,
		"description": description,
	})
	if err != nil {
		return Project{}, err
	}

	var res createProjectResponse
	err = c.Post("/api/projects").
		Header("Content-Type", contentType).
		Body(body).
		Do(&res)
	if err != nil {
		return Project{}, fmt.Errorf("error creating project: %w", err)
	}
	return res.Project, nil
}

func (c *PlatformClient) UploadVersion(projectId uuid.UUID, archivePath, versionName, description string) (Version, error) {
	body, contentType, err := multipartUpload(archivePath, map[string]string{
		"version_name":        versionName,
		"version_description": description,
	})
	if err != nil {
		return Version{}, err
	}

	var version Version
	err = c.Post(fmt.Sprintf("/api/projects/%v/versions", projectId)).
		Header("Content-Type", contentType).
		Body(body).
		Do(&version)
	if err != nil {
		return Version{}, fmt.Errorf("error uploading version: %w", err)
	}
	return version, nil
}

func (c *PlatformClient) ListProjects() ([]Project, error) {
	var projects []Project
	if err := c.Get("/api/projects").Do(&projects); err != nil {
		return nil, fmt.Errorf("error listing projects: %w", err)
	}
	return projects, nil
}

func (c *PlatformClient) DeleteProject(projectId uuid.UUID) error {
	if err := c.Delete(fmt.Sprintf("/api/projects/%v", projectId)).Do(nil); err != nil {
		return fmt.Errorf("error deleting project: %w", err)
	}
	return nil
}

func (c *PlatformClient) ListVersions(projectId uuid.UUID) ([]Version, error) {
	var versions []Version
	if err := c.Get(fmt.Sprintf("/api/projects/%v/versions", projectId)).Do(&versions); err != nil {
		return nil, fmt.Errorf("error listing versions: %w", err)
	}
	return versions, nil
}

func (c *PlatformClient) ListContributors(projectId uuid.UUID) ([]Contributor, error) {
	var contributors []Contributor
	if err := c.Get(fmt.Sprintf("/api/projects/%v/contributors", projectId)).Do(&contributors); err != nil {
		return nil, fmt.Errorf("error listing contributors: %w", err)
	}
	return contributors, nil
}

type addCommentRequest struct {
	FilePath string `json:"file_path"`
	Body     string `json:"body"`
}

func (c *PlatformClient) AddComment(projectId uuid.UUID, filePath, body string) (FileComment, error) {
	var comment FileComment
	err := c.Post(fmt.Sprintf("/api/projects/%v/comments", projectId)).
		Json(addCommentRequest{FilePath: filePath, Body: body}).
		Do(&comment)
	if err != nil {
		return FileComment{}, fmt.Errorf("error adding comment: %w", err)
	}
	return comment, nil
}

type startAnalysisRequest struct {
	VersionId  *uuid.UUID `json:"version_id,omitempty"`
	FabProfile string     `json:"fab_profile,omitempty"`
}

type AnalysisOptions struct {
	VersionId  *uuid.UUID
	FabProfile string
}

func (c *PlatformClient) StartAnalysis(projectId uuid.UUID, opts AnalysisOptions) (Analysis, error) {
	var analysis Analysis
	err := c.Post(fmt.Sprintf("/api/projects/%v/analyze", projectId)).
		Json(startAnalysisRequest{VersionId: opts.VersionId, FabProfile: opts.FabProfile}).
		Do(&analysis)
	if err != nil {
		return Analysis{}, fmt.Errorf("error starting analysis: %w", err)
	}
	return analysis, nil
}

func (c *PlatformClient) GetAnalysis(analysisId uuid.UUID) (Analysis, error) {
	var analysis Analysis
	if err := c.Get(fmt.Sprintf("/api/analyses/%v", analysisId)).Do(&analysis); err != nil {
		return Analysis{}, fmt.Errorf("error getting analysis: %w", err)
	}
	return analysis, nil
}
