package tests

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		headers:  nil,
		json:     nil,
		body:     nil,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		switch res.StatusCode {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, w.Body.String())
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, w.Body.String())
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

type client struct {
	api       chi.Router
	authToken string
	userId    string
	orgId     string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Patch(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "PATCH", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signupOrg(orgName, slug, username, email, password string) error {
	body := map[string]string{
		"organization_name": orgName,
		"organization_slug": slug,
		"username":          username,
		"email":             email,
		"password":          password,
	}

	var res map[string]string
	err := c.Post("/user/signup").Json(body).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]
	c.orgId = res["organization_id"]

	return nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]
	c.orgId = res["organization_id"]

	return nil
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) addMember(username, email, password, role string) error {
	body := map[string]string{
		"username": username, "email": email, "password": password, "role": role,
	}
	return c.Post("/org/members").Json(body).Do(nil)
}

func (c *client) changeRole(userId, role string) error {
	return c.Post(fmt.Sprintf("/org/members/%v/role", userId)).Json(map[string]string{"role": role}).Do(nil)
}

func (c *client) removeMember(userId string) error {
	return c.Delete(fmt.Sprintf("/org/members/%v", userId)).Do(nil)
}

func (c *client) listMembers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/org/members").Do(&res)
	return res, err
}

// designArchive builds a zip in memory from path -> contents.
func designArchive(files map[string]string) []byte {
	buffer := new(bytes.Buffer)
	writer := zip.NewWriter(buffer)
	for name, content := range files {
		f, err := writer.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			panic(err)
		}
	}
	if err := writer.Close(); err != nil {
		panic(err)
	}
	return buffer.Bytes()
}

func kicadArchive() []byte {
	return designArchive(map[string]string{
		"board/main.kicad_pcb": "(kicad_pcb (version 20221018))",
		"board/main.kicad_sch": "(kicad_sch (version 20230121))",
		"docs/bom.csv":         "ref,value,footprint",
	})
}

func multipartBody(fields map[string]string, filename string, archive []byte) (io.Reader, string, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(archive); err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return body, writer.FormDataContentType(), nil
}

type createProjectResponse struct {
	Project services.ProjectInfo `json:"project"`
	Version services.VersionInfo `json:"version"`
}

func (c *client) createProject(name string, archive []byte) (createProjectResponse, error) {
	body, contentType, err := multipartBody(map[string]string{"name": name}, "design.zip", archive)
	if err != nil {
		return createProjectResponse{}, err
	}

	var res createProjectResponse
	err = c.Post("/projects").Header("Content-Type", contentType).Body(body).Do(&res)
	return res, err
}

func (c *client) uploadVersion(projectId uuid.UUID, versionName string, archive []byte) (services.VersionInfo, error) {
	body, contentType, err := multipartBody(map[string]string{"version_name": versionName}, "design.zip", archive)
	if err != nil {
		return services.VersionInfo{}, err
	}

	var version services.VersionInfo
	err = c.Post(fmt.Sprintf("/projects/%v/versions", projectId)).
		Header("Content-Type", contentType).
		Body(body).
		Do(&version)
	return version, err
}

func (c *client) listProjects() ([]services.ProjectInfo, error) {
	var res []services.ProjectInfo
	err := c.Get("/projects").Do(&res)
	return res, err
}

func (c *client) getProject(projectId uuid.UUID) (map[string]json.RawMessage, error) {
	var res map[string]json.RawMessage
	err := c.Get(fmt.Sprintf("/projects/%v", projectId)).Do(&res)
	return res, err
}

func (c *client) updateProject(projectId uuid.UUID, updates map[string]string) error {
	return c.Patch(fmt.Sprintf("/projects/%v", projectId)).Json(updates).Do(nil)
}

func (c *client) deleteProject(projectId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/projects/%v", projectId)).Do(nil)
}

func (c *client) listVersions(projectId uuid.UUID) ([]services.VersionInfo, error) {
	var res []services.VersionInfo
	err := c.Get(fmt.Sprintf("/projects/%v/versions", projectId)).Do(&res)
	return res, err
}

func (c *client) listContributors(projectId uuid.UUID) ([]services.ContributorInfo, error) {
	var res []services.ContributorInfo
	err := c.Get(fmt.Sprintf("/projects/%v/contributors", projectId)).Do(&res)
	return res, err
}

func (c *client) addComment(projectId uuid.UUID, filePath, body string) (services.FileCommentInfo, error) {
	var res services.FileCommentInfo
	err := c.Post(fmt.Sprintf("/projects/%v/comments", projectId)).
		Json(map[string]string{"file_path": filePath, "body": body}).
		Do(&res)
	return res, err
}

func (c *client) listComments(projectId uuid.UUID, path string) ([]services.FileCommentInfo, map[string]int64, error) {
	endpoint := fmt.Sprintf("/projects/%v/comments", projectId)
	if path != "" {
		endpoint += "?path=" + path
	}

	var res struct {
		Comments []services.FileCommentInfo `json:"comments"`
		Counts   map[string]int64           `json:"counts_by_path"`
	}
	err := c.Get(endpoint).Do(&res)
	return res.Comments, res.Counts, err
}

func (c *client) deleteComment(projectId, commentId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/projects/%v/comments/%v", projectId, commentId)).Do(nil)
}

func (c *client) startAnalysis(projectId uuid.UUID, body map[string]interface{}) (services.AnalysisInfo, error) {
	var res services.AnalysisInfo
	req := c.Post(fmt.Sprintf("/projects/%v/analyze", projectId))
	if body != nil {
		req = req.Json(body)
	}
	err := req.Do(&res)
	return res, err
}

func (c *client) getAnalysis(analysisId uuid.UUID) (services.AnalysisInfo, error) {
	var res services.AnalysisInfo
	err := c.Get(fmt.Sprintf("/analyses/%v", analysisId)).Do(&res)
	return res, err
}

// awaitAnalysis polls the status endpoint until the job is terminal. The
// tight interval keeps tests fast, the deadline keeps a stuck job from
// hanging the suite.
func (c *client) awaitAnalysis(analysisId uuid.UUID, timeout time.Duration) (services.AnalysisInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		analysis, err := c.getAnalysis(analysisId)
		if err != nil {
			return analysis, err
		}
		if analysis.Status == "completed" || analysis.Status == "failed" {
			return analysis, nil
		}
		if time.Now().After(deadline) {
			return analysis, fmt.Errorf("analysis %v still %v after %v", analysisId, analysis.Status, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
