package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/auth"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/engine"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultAnalysisListLimit = 50

type AnalysisService struct {
	db       *gorm.DB
	engine   engine.Client
	profiles *engine.ProfileLibrary
	userAuth *auth.IdentityProvider
}

// Routes covers org wide analysis access. The per project entrypoints
// (/projects/{project_id}/analyze and .../analyses) are registered by
// ProjectService so they share its router and url params.
func (s *AnalysisService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/", s.List)
	r.Get("/profiles", s.ListProfiles)
	r.Get("/{analysis_id}", s.GetStatus)
	r.Delete("/{analysis_id}", s.Delete)

	r.Get("/{analysis_id}/issues", s.ListIssues)
	r.Get("/{analysis_id}/issues/{issue_id}/comments", s.ListIssueComments)
	r.Post("/{analysis_id}/issues/{issue_id}/comments", s.AddIssueComment)
	r.Patch("/{analysis_id}/issues/{issue_id}/status", s.UpdateIssueStatus)
	r.Delete("/{analysis_id}/issues/{issue_id}/comments/{comment_id}", s.DeleteIssueComment)

	return r
}

func (s *AnalysisService) BatchRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Post("/batch", s.BatchStart)

	return r
}

type AnalysisInfo struct {
	Id          uuid.UUID      `json:"id"`
	ProjectId   uuid.UUID      `json:"project_id"`
	VersionId   uuid.UUID      `json:"version_id"`
	FabProfile  string         `json:"fab_profile"`
	Status      string         `json:"status"`
	Progress    string         `json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedBy   uuid.UUID      `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      *engine.Result `json:"result,omitempty"`
}

func convertToAnalysisInfo(analysis *schema.Analysis) AnalysisInfo {
	info := AnalysisInfo{
		Id:          analysis.Id,
		ProjectId:   analysis.ProjectId,
		VersionId:   analysis.VersionId,
		FabProfile:  analysis.FabProfile,
		Status:      analysis.Status,
		Progress:    analysis.Progress,
		Error:       analysis.ErrorMessage,
		CreatedBy:   analysis.CreatedBy,
		CreatedAt:   analysis.CreatedAt,
		StartedAt:   analysis.StartedAt,
		CompletedAt: analysis.CompletedAt,
	}
	if analysis.Status == schema.Completed && analysis.ResultJson != "" {
		result, err := engine.ResultFromJson(analysis.ResultJson)
		if err != nil {
			slog.Error("error parsing stored analysis result", "analysis_id", analysis.Id, "error", err)
		} else {
			info.Result = &result
		}
	}
	return info
}

type startAnalysisRequest struct {
	VersionId  *uuid.UUID `json:"version_id"`
	FabProfile string     `json:"fab_profile"`
}

func (s *AnalysisService) Start(w http.ResponseWriter, r *http.Request) {
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

	var params startAnalysisRequest
	if r.ContentLength != 0 && !utils.ParseRequestBody(w, r, &params) {
		return
	}

	analysis, err := s.startAnalysis(projectId, user, params)
	if err != nil {
		http.Error(w, fmt.Sprintf("error starting analysis: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, convertToAnalysisInfo(&analysis))
}

// startAnalysis creates the pending job row and hands it to a worker
// goroutine. The caller gets the pending snapshot back immediately, results
// arrive via status polling.
func (s *AnalysisService) startAnalysis(projectId uuid.UUID, user schema.User, params startAnalysisRequest) (schema.Analysis, error) {
	project, err := schema.GetProject(projectId, user.OrganizationId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrProjectNotFound) {
			return schema.Analysis{}, CodedError(err, http.StatusNotFound)
		}
		return schema.Analysis{}, CodedError(err, http.StatusInternalServerError)
	}

	versionId := project.CurrentVersionId
	if params.VersionId != nil {
		versionId = params.VersionId
	}
	if versionId == nil {
		return schema.Analysis{}, CodedError(errors.New("project has no versions to analyze"), http.StatusUnprocessableEntity)
	}

	version, err := schema.GetVersion(*versionId, projectId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrVersionNotFound) {
			return schema.Analysis{}, CodedError(err, http.StatusNotFound)
		}
		return schema.Analysis{}, CodedError(err, http.StatusInternalServerError)
	}

	profileId := params.FabProfile
	if profileId == "" {
		profileId = engine.DefaultProfile
	}
	profile, err := s.profiles.Get(profileId)
	if err != nil {
		return schema.Analysis{}, CodedError(err, http.StatusUnprocessableEntity)
	}

	now := time.Now().UTC()
	analysis := schema.Analysis{
		Id:             uuid.New(),
		ProjectId:      projectId,
		OrganizationId: user.OrganizationId,
		VersionId:      version.Id,
		FabProfile:     profile.Id,
		Status:         schema.Pending,
		Progress:       "queued",
		CreatedBy:      user.Id,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if result := s.db.Create(&analysis); result.Error != nil {
		slog.Error("sql error creating analysis", "project_id", projectId, "error", result.Error)
		return schema.Analysis{}, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	analysesStartedMetric.Inc()
	slog.Info("queued analysis", "analysis_id", analysis.Id, "project_id", projectId, "fab_profile", profile.Id)

	go s.run(analysis.Id, version.ArtifactPath, version.EdaTool, profile)

	return analysis, nil
}

// transition moves an analysis between states with a guard on the current
// state. The guard makes updates monotonic: a watchdog timeout and a late
// worker result cannot both land, whichever commits first wins and the other
// update matches zero rows.
func (s *AnalysisService) transition(analysisId uuid.UUID, from, to string, updates map[string]interface{}) bool {
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()

	result := s.db.Model(&schema.Analysis{}).
		Where("id = ? AND status = ?", analysisId, from).
		Updates(updates)
	if result.Error != nil {
		slog.Error("sql error transitioning analysis", "analysis_id", analysisId, "from", from, "to", to, "error", result.Error)
		return false
	}
	if result.RowsAffected == 0 {
		slog.Info("skipping analysis transition, state changed concurrently", "analysis_id", analysisId, "from", from, "to", to)
		return false
	}
	return true
}

func (s *AnalysisService) run(analysisId uuid.UUID, artifactPath, edaTool string, profile engine.Profile) {
	started := time.Now().UTC()
	if !s.transition(analysisId, schema.Pending, schema.Running, map[string]interface{}{
		"progress":   "running design checks",
		"started_at": started,
	}) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(profile.RunTimeoutSecs)*time.Second)
	defer cancel()

	result, err := s.engine.Analyze(ctx, engine.Request{
		AnalysisId:   analysisId,
		ArtifactPath: artifactPath,
		EdaTool:      edaTool,
		Profile:      profile,
	})
	if err != nil {
		slog.Error("analysis failed", "analysis_id", analysisId, "error", err)
		if s.transition(analysisId, schema.Running, schema.Failed, map[string]interface{}{
			"error_message": err.Error(),
			"progress":      "",
			"completed_at":  time.Now().UTC(),
		}) {
			analysesFailedMetric.Inc()
		}
		return
	}

	resultJson, err := result.ToJson()
	if err != nil {
		slog.Error("error serializing analysis result", "analysis_id", analysisId, "error", err)
		if s.transition(analysisId, schema.Running, schema.Failed, map[string]interface{}{
			"error_message": fmt.Sprintf("error serializing analysis result: %v", err),
			"progress":      "",
			"completed_at":  time.Now().UTC(),
		}) {
			analysesFailedMetric.Inc()
		}
		return
	}

	if s.transition(analysisId, schema.Running, schema.Completed, map[string]interface{}{
		"result_json":  resultJson,
		"progress":     "",
		"completed_at": time.Now().UTC(),
	}) {
		analysesCompletedMetric.Inc()
		analysisDurationMetric.Observe(time.Since(started).Seconds())
		slog.Info("analysis completed", "analysis_id", analysisId, "risk_level", result.RiskLevel, "duration", time.Since(started))
	}
}

func validStatusFilter(status string) bool {
	switch status {
	case schema.Pending, schema.Running, schema.Completed, schema.Failed:
		return true
	}
	return false
}

func (s *AnalysisService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Where("organization_id = ?", user.OrganizationId)
	if status := r.URL.Query().Get("status"); status != "" {
		if !validStatusFilter(status) {
			http.Error(w, fmt.Sprintf("invalid status filter '%v'", status), http.StatusUnprocessableEntity)
			return
		}
		query = query.Where("status = ?", status)
	}

	limit := defaultAnalysisListLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		if _, err := fmt.Sscanf(rawLimit, "%d", &limit); err != nil || limit < 1 || limit > 200 {
			http.Error(w, fmt.Sprintf("invalid limit '%v'", rawLimit), http.StatusUnprocessableEntity)
			return
		}
	}

	var analyses []schema.Analysis
	if result := query.Order("created_at desc").Limit(limit).Find(&analyses); result.Error != nil {
		slog.Error("sql error listing analyses", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing analyses: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]AnalysisInfo, 0, len(analyses))
	for _, a := range analyses {
		infos = append(infos, convertToAnalysisInfo(&a))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *AnalysisService) ListForProject(w http.ResponseWriter, r *http.Request) {
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
		http.Error(w, fmt.Sprintf("error listing analyses: %v", err), GetResponseCode(err))
		return
	}

	var analyses []schema.Analysis
	result := s.db.Where("project_id = ?", projectId).Order("created_at desc").Find(&analyses)
	if result.Error != nil {
		slog.Error("sql error listing project analyses", "project_id", projectId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing analyses: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]AnalysisInfo, 0, len(analyses))
	for _, a := range analyses {
		infos = append(infos, convertToAnalysisInfo(&a))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *AnalysisService) ListProfiles(w http.ResponseWriter, r *http.Request) {
	utils.WriteJsonResponse(w, s.profiles.List())
}

func (s *AnalysisService) getAnalysis(r *http.Request) (schema.Analysis, schema.User, error) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		return schema.Analysis{}, user, CodedError(err, http.StatusInternalServerError)
	}

	analysisId, err := utils.URLParamUUID(r, "analysis_id")
	if err != nil {
		return schema.Analysis{}, user, CodedError(err, http.StatusBadRequest)
	}

	analysis, err := schema.GetAnalysis(analysisId, user.OrganizationId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrAnalysisNotFound) {
			return schema.Analysis{}, user, CodedError(err, http.StatusNotFound)
		}
		return schema.Analysis{}, user, CodedError(err, http.StatusInternalServerError)
	}

	return analysis, user, nil
}

func (s *AnalysisService) GetStatus(w http.ResponseWriter, r *http.Request) {
	analysis, _, err := s.getAnalysis(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting analysis: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, convertToAnalysisInfo(&analysis))
}

func (s *AnalysisService) Delete(w http.ResponseWriter, r *http.Request) {
	analysis, user, err := s.getAnalysis(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting analysis: %v", err), GetResponseCode(err))
		return
	}

	if analysis.CreatedBy != user.Id && !user.IsAdmin() {
		http.Error(w, "only the analysis creator or an organization admin can delete an analysis", http.StatusForbidden)
		return
	}

	result := s.db.Select("IssueComments").Delete(&schema.Analysis{Id: analysis.Id})
	if result.Error != nil {
		slog.Error("sql error deleting analysis", "analysis_id", analysis.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error deleting analysis: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type batchStartItem struct {
	ProjectId  uuid.UUID  `json:"project_id"`
	VersionId  *uuid.UUID `json:"version_id"`
	FabProfile string     `json:"fab_profile"`
}

type batchStartRequest struct {
	Items []batchStartItem `json:"items"`
}

type batchStartResult struct {
	ProjectId  uuid.UUID  `json:"project_id"`
	AnalysisId *uuid.UUID `json:"analysis_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// BatchStart queues one analysis per item. Items are independent: a project
// that fails validation reports its error in place without affecting the rest.
func (s *AnalysisService) BatchStart(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params batchStartRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if len(params.Items) == 0 {
		http.Error(w, "batch must contain at least one item", http.StatusUnprocessableEntity)
		return
	}

	results := make([]batchStartResult, 0, len(params.Items))
	for _, item := range params.Items {
		res := batchStartResult{ProjectId: item.ProjectId}

		analysis, err := s.startAnalysis(item.ProjectId, user, startAnalysisRequest{
			VersionId:  item.VersionId,
			FabProfile: item.FabProfile,
		})
		if err != nil {
			res.Error = err.Error()
		} else {
			id := analysis.Id
			res.AnalysisId = &id
		}
		results = append(results, res)
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"results": results})
}

type IssueCommentInfo struct {
	Id             uuid.UUID `json:"id"`
	IssueId        string    `json:"issue_id"`
	Body           string    `json:"body"`
	Status         string    `json:"status"`
	CreatedBy      uuid.UUID `json:"created_by"`
	AuthorUsername string    `json:"author_username,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func convertToIssueCommentInfo(comment *schema.IssueComment) IssueCommentInfo {
	info := IssueCommentInfo{
		Id:        comment.Id,
		IssueId:   comment.IssueId,
		Body:      comment.Body,
		Status:    comment.Status,
		CreatedBy: comment.CreatedBy,
		CreatedAt: comment.CreatedAt,
	}
	if comment.Author != nil {
		info.AuthorUsername = comment.Author.Username
	}
	return info
}

func (s *AnalysisService) completedResult(analysis *schema.Analysis) (engine.Result, error) {
	if analysis.Status != schema.Completed {
		return engine.Result{}, CodedError(
			fmt.Errorf("analysis is %v, issues are available once it completes", analysis.Status),
			http.StatusConflict,
		)
	}
	result, err := engine.ResultFromJson(analysis.ResultJson)
	if err != nil {
		return engine.Result{}, CodedError(err, http.StatusInternalServerError)
	}
	return result, nil
}

// issueThreadState folds the comment rows for an analysis into the current
// status and comment count per issue. Status follows the latest row, issues
// with no rows are open.
func (s *AnalysisService) issueThreadState(analysisId uuid.UUID) (map[string]string, map[string]int64, error) {
	var comments []schema.IssueComment
	result := s.db.Where("analysis_id = ?", analysisId).Order("created_at asc").Find(&comments)
	if result.Error != nil {
		slog.Error("sql error loading issue comments", "analysis_id", analysisId, "error", result.Error)
		return nil, nil, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	statuses := make(map[string]string)
	counts := make(map[string]int64)
	for _, c := range comments {
		statuses[c.IssueId] = c.Status
		if c.Body != "" {
			counts[c.IssueId]++
		}
	}
	return statuses, counts, nil
}

type issueWithThread struct {
	engine.Issue
	Status       string `json:"status"`
	CommentCount int64  `json:"comment_count"`
}

func (s *AnalysisService) ListIssues(w http.ResponseWriter, r *http.Request) {
	analysis, _, err := s.getAnalysis(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing issues: %v", err), GetResponseCode(err))
		return
	}

	result, err := s.completedResult(&analysis)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing issues: %v", err), GetResponseCode(err))
		return
	}

	statuses, counts, err := s.issueThreadState(analysis.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing issues: %v", err), GetResponseCode(err))
		return
	}

	issues := make([]issueWithThread, 0)
	for _, issue := range result.AllIssues() {
		status, ok := statuses[issue.Id]
		if !ok {
			status = schema.IssueOpen
		}
		issues = append(issues, issueWithThread{Issue: issue, Status: status, CommentCount: counts[issue.Id]})
	}

	utils.WriteJsonResponse(w, issues)
}

func (s *AnalysisService) issueFromRequest(r *http.Request, analysis *schema.Analysis) (engine.Issue, error) {
	issueId, err := utils.URLParam(r, "issue_id")
	if err != nil {
		return engine.Issue{}, CodedError(err, http.StatusBadRequest)
	}

	result, err := s.completedResult(analysis)
	if err != nil {
		return engine.Issue{}, err
	}

	for _, issue := range result.AllIssues() {
		if issue.Id == issueId {
			return issue, nil
		}
	}
	return engine.Issue{}, CodedError(fmt.Errorf("no issue '%v' in analysis results", issueId), http.StatusNotFound)
}

func (s *AnalysisService) ListIssueComments(w http.ResponseWriter, r *http.Request) {
	analysis, _, err := s.getAnalysis(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing issue comments: %v", err), GetResponseCode(err))
		return
	}

	issue, err := s.issueFromRequest(r, &analysis)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing issue comments: %v", err), GetResponseCode(err))
		return
	}

	var comments []schema.IssueComment
	result := s.db.Preload("Author").
		Where("analysis_id = ? AND issue_id = ?", analysis.Id, issue.Id).
		Order("created_at asc").
		Find(&comments)
	if result.Error != nil {
		slog.Error("sql error listing issue comments", "analysis_id", analysis.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing issue comments: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]IssueCommentInfo, 0, len(comments))
	for _, c := range comments {
		infos = append(infos, convertToIssueCommentInfo(&c))
	}
	utils.WriteJsonResponse(w, infos)
}

// currentIssueStatus returns the status carried by the newest comment row for
// the issue, or open when the thread is empty.
func (s *AnalysisService) currentIssueStatus(analysisId uuid.UUID, issueId string) (string, error) {
	var latest schema.IssueComment
	result := s.db.Where("analysis_id = ? AND issue_id = ?", analysisId, issueId).
		Order("created_at desc").
		Limit(1).
		Find(&latest)
	if result.Error != nil {
		slog.Error("sql error loading issue status", "analysis_id", analysisId, "issue_id", issueId, "error", result.Error)
		return "", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected == 0 {
		return schema.IssueOpen, nil
	}
	return latest.Status, nil
}

type addIssueCommentRequest struct {
	Body string `json:"body"`
}

func (s *AnalysisService) AddIssueComment(w http.ResponseWriter, r *http.Request) {
	analysis, user, err := s.getAnalysis(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error adding issue comment: %v", err), GetResponseCode(err))
		return
	}

	issue, err := s.issueFromRequest(r, &analysis)
	if err != nil {
		http.Error(w, fmt.Sprintf("error adding issue comment: %v", err), GetResponseCode(err))
		return
	}

	var params addIssueCommentRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Body == "" {
		http.Error(w, "comment body cannot be empty", http.StatusUnprocessableEntity)
		return
	}

	status, err := s.currentIssueStatus(analysis.Id, issue.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("error adding issue comment: %v", err), GetResponseCode(err))
		return
	}

	now := time.Now().UTC()
	comment := schema.IssueComment{
		Id:         uuid.New(),
		AnalysisId: analysis.Id,
		IssueId:    issue.Id,
		Body:       params.Body,
		Status:     status,
		CreatedBy:  user.Id,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if result := s.db.Create(&comment); result.Error != nil {
		slog.Error("sql error creating issue comment", "analysis_id", analysis.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error adding issue comment: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	comment.Author = &user
	utils.WriteJsonResponse(w, convertToIssueCommentInfo(&comment))
}

type updateIssueStatusRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

// UpdateIssueStatus records a status change as a thread entry. The optional
// comment rides along in the same row.
func (s *AnalysisService) UpdateIssueStatus(w http.ResponseWriter, r *http.Request) {
	analysis, user, err := s.getAnalysis(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating issue status: %v", err), GetResponseCode(err))
		return
	}

	issue, err := s.issueFromRequest(r, &analysis)
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating issue status: %v", err), GetResponseCode(err))
		return
	}

	var params updateIssueStatusRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if !schema.ValidIssueStatus(params.Status) {
		http.Error(w, fmt.Sprintf("invalid issue status '%v'", params.Status), http.StatusUnprocessableEntity)
		return
	}

	now := time.Now().UTC()
	comment := schema.IssueComment{
		Id:         uuid.New(),
		AnalysisId: analysis.Id,
		IssueId:    issue.Id,
		Body:       params.Comment,
		Status:     params.Status,
		CreatedBy:  user.Id,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if result := s.db.Create(&comment); result.Error != nil {
		slog.Error("sql error recording issue status change", "analysis_id", analysis.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error updating issue status: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"issue_id": issue.Id, "status": params.Status})
}

func (s *AnalysisService) DeleteIssueComment(w http.ResponseWriter, r *http.Request) {
	analysis, user, err := s.getAnalysis(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting issue comment: %v", err), GetResponseCode(err))
		return
	}

	commentId, err := utils.URLParamUUID(r, "comment_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	comment, err := schema.GetIssueComment(commentId, analysis.Id, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrCommentNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error deleting issue comment: %v", err), http.StatusInternalServerError)
		return
	}

	if comment.CreatedBy != user.Id {
		http.Error(w, "only the comment author can delete a comment", http.StatusForbidden)
		return
	}

	if result := s.db.Delete(&schema.IssueComment{Id: commentId}); result.Error != nil {
		slog.Error("sql error deleting issue comment", "comment_id", commentId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error deleting issue comment: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}
