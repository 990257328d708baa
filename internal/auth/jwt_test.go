package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("teacher-1", RoleTeacher, "classtrack", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := Parse(pair.AccessToken, "secret", "classtrack")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "teacher-1" || claims.Role != RoleTeacher {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := Parse(pair.AccessToken, "wrong-key", "classtrack"); err == nil {
		t.Error("wrong signing key accepted")
	}
	if _, err := Parse(pair.AccessToken, "secret", "someone-else"); err == nil {
		t.Error("issuer mismatch accepted")
	}
	if _, err := Parse("not-a-token", "secret", "classtrack"); err == nil {
		t.Error("garbage token accepted")
	}
}
