package tests

import (
	"errors"
	"strings"
	"testing"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/services"
)

func TestSignupAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	c := env.newClient()
	err := c.signupOrg("Acme Hardware", "acme", "admin", "admin@acme.com", "admin_password")
	if err != nil {
		t.Fatal(err)
	}

	info, err := c.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Username != "admin" || info.Role != "admin" || info.Id.String() != c.userId {
		t.Fatalf("invalid signup info %+v", info)
	}

	dup := env.newClient()
	err = dup.signupOrg("Other", "acme", "other", "other@mail.com", "password")
	if err == nil {
		t.Fatal("duplicate slug should be rejected")
	}

	err = dup.signupOrg("Other", "other", "other", "admin@acme.com", "password")
	if err == nil {
		t.Fatal("duplicate email should be rejected")
	}

	fresh := env.newClient()
	if err := fresh.login(loginInfo{Email: "admin@acme.com", Password: "wrong"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong password should be unauthorized, got %v", err)
	}
	if err := fresh.login(loginInfo{Email: "nobody@acme.com", Password: "admin_password"}); err == nil {
		t.Fatal("unknown email should fail login")
	}
	if err := fresh.login(loginInfo{Email: "admin@acme.com", Password: "admin_password"}); err != nil {
		t.Fatal(err)
	}

	anon := env.newClient()
	if _, err := anon.userInfo(); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("info without token should be unauthorized")
	}
}

func TestOrgMembers(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newMember(admin, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := member.addMember("eve", "eve@mail.com", "password", "member"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("members cannot add members, got %v", err)
	}

	members, err := member.listMembers()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %+v", members)
	}

	var org services.OrgInfo
	if err := member.Get("/org/current").Do(&org); err != nil {
		t.Fatal(err)
	}
	if org.Slug != "acme" || org.Members != 2 || org.Plan != "free" {
		t.Fatalf("unexpected org info %+v", org)
	}
}

func TestRoleChanges(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newMember(admin, "alice")
	if err != nil {
		t.Fatal(err)
	}

	// The sole admin cannot step down.
	err = admin.changeRole(admin.userId, "member")
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Fatalf("demoting the last admin should fail with 422, got %v", err)
	}

	if err := admin.changeRole(member.userId, "admin"); err != nil {
		t.Fatal(err)
	}

	// Now there are two admins, the original one can step down.
	if err := admin.changeRole(admin.userId, "member"); err != nil {
		t.Fatal(err)
	}

	if err := admin.addMember("eve", "eve@mail.com", "password", "member"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("demoted admin should lose admin rights, got %v", err)
	}
}

func TestRemoveMemberReassignsWork(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}
	member, err := env.newMember(admin, "alice")
	if err != nil {
		t.Fatal(err)
	}

	res, err := member.createProject("alice-board", kicadArchive())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := member.uploadVersion(res.Project.Id, "rev B", kicadArchive()); err != nil {
		t.Fatal(err)
	}
	if _, err := admin.uploadVersion(res.Project.Id, "rev C", kicadArchive()); err != nil {
		t.Fatal(err)
	}

	if err := admin.removeMember(admin.userId); err == nil {
		t.Fatal("admins cannot remove themselves")
	}

	if err := admin.removeMember(member.userId); err != nil {
		t.Fatal(err)
	}

	if err := member.login(loginInfo{Email: "alice@mail.com", Password: "alice_password"}); err == nil {
		t.Fatal("removed member should not log in")
	}

	// The removed member's projects survive, reassigned to the acting admin.
	projects, err := admin.listProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].Id != res.Project.Id {
		t.Fatalf("project should survive member removal: %+v", projects)
	}
	if projects[0].CreatedBy.String() != admin.userId {
		t.Fatalf("project should be reassigned to the admin: %+v", projects[0])
	}

	// Alice's contribution counts merge into the admin's ledger row, keeping
	// the count equal to the versions now attributed to the admin.
	contributors, err := admin.listContributors(res.Project.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(contributors) != 1 {
		t.Fatalf("expected a single merged contributor row, got %+v", contributors)
	}
	merged := contributors[0]
	if merged.UserId.String() != admin.userId {
		t.Fatalf("merged ledger row should belong to the admin: %+v", merged)
	}
	if merged.ContributionCount != 3 {
		t.Fatalf("merged contribution count should cover all 3 versions, got %+v", merged)
	}
	if merged.Role != "owner" {
		t.Fatalf("ownership should transfer with the merge, got %+v", merged)
	}
}

func TestCrossOrgMemberManagement(t *testing.T) {
	env := setupTestEnv(t)

	acme, err := env.newOrg("acme")
	if err != nil {
		t.Fatal(err)
	}
	rival, err := env.newOrg("rival")
	if err != nil {
		t.Fatal(err)
	}

	if err := rival.changeRole(acme.userId, "member"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-org role change should 404, got %v", err)
	}
	if err := rival.removeMember(acme.userId); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-org member removal should 404, got %v", err)
	}

	members, err := rival.listMembers()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("rival org should only see its own members: %+v", members)
	}
}
