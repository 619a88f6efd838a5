package tests

import (
	"sort"
	"sync"
	"testing"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/services"
)

// Concurrent uploads must each receive a distinct version number with no gaps
// and no duplicates, and every successful upload must be counted in the
// contributor ledger.
func TestConcurrentVersionUploads(t *testing.T) {
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

	const uploads = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	numbers := make([]int, 0, uploads)
	var failures []error

	for i := 0; i < uploads; i++ {
		uploader := admin
		if i%2 == 1 {
			uploader = member
		}

		wg.Add(1)
		go func(c client) {
			defer wg.Done()
			version, err := c.uploadVersion(projectId, "", kicadArchive())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			numbers = append(numbers, version.VersionNumber)
		}(uploader)
	}
	wg.Wait()

	for _, err := range failures {
		t.Errorf("upload failed: %v", err)
	}
	if len(numbers) != uploads {
		t.Fatalf("expected %d successful uploads, got %d", uploads, len(numbers))
	}

	sort.Ints(numbers)
	for i, n := range numbers {
		// Version 1 was the project creation upload.
		if n != i+2 {
			t.Fatalf("version numbers have gaps or duplicates: %v", numbers)
		}
	}

	versions, err := admin.listVersions(projectId)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != uploads+1 {
		t.Fatalf("expected %d versions, got %d", uploads+1, len(versions))
	}

	contributors, err := admin.listContributors(projectId)
	if err != nil {
		t.Fatal(err)
	}

	counts := map[string]int{}
	total := 0
	for _, c := range contributors {
		counts[c.Username] = c.ContributionCount
		total += c.ContributionCount
	}
	if total != uploads+1 {
		t.Fatalf("contribution counts lost updates: %+v", contributors)
	}
	if counts["alice"] != uploads/2 {
		t.Fatalf("unexpected contributor counts %+v", contributors)
	}
}

// Concurrent project creations are independent and must all succeed.
func TestConcurrentProjectCreates(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}

	const creates = 5

	var wg sync.WaitGroup
	results := make([]services.ProjectInfo, creates)
	errs := make([]error, creates)

	for i := 0; i < creates; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			names := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
			res, err := admin.createProject(names[n], kicadArchive())
			results[n] = res.Project
			errs[n] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	projects, err := admin.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != creates {
		t.Fatalf("expected %d projects, got %d", creates, len(projects))
	}
	for _, p := range projects {
		if p.VersionCount != 1 || p.CurrentVersionId == nil {
			t.Fatalf("unexpected project state %+v", p)
		}
	}
}
