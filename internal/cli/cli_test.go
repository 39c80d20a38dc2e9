package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livequiz-service/internal/auth"
	"livequiz-service/internal/config"
)

func TestSampleLessonsAreValid(t *testing.T) {
	for id, lesson := range sampleLessons() {
		if lesson.ID != id {
			t.Fatalf("lesson keyed %s has id %s", id, lesson.ID)
		}
		if err := lesson.Validate(); err != nil {
			t.Fatalf("lesson %s invalid: %v", id, err)
		}
	}
}

func TestRoomConfigFromYAML(t *testing.T) {
	var cfg config.Config
	cfg.Room.Grace = "45s"
	cfg.Room.RefreshDelay = "0s"

	rc := roomConfig(cfg)
	if rc.Grace != 45*time.Second {
		t.Fatalf("expected 45s grace, got %v", rc.Grace)
	}
	if rc.RefreshDelay != 0 {
		t.Fatalf("expected zero refresh delay, got %v", rc.RefreshDelay)
	}
	if rc.PollInterval != 5*time.Second || rc.MinRefreshInterval != time.Second || rc.AnnotationWindow != 2*time.Second {
		t.Fatalf("unexpected defaults %+v", rc)
	}
}

func TestReadLessons(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessons.json")
	body := `[{"id":"l9","ownerId":"h","name":"Quick","questions":[{"text":"1+1?","type":"Input Answer","answers":[{"text":"2"}]}]}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	lessons, err := readLessons(path)
	if err != nil {
		t.Fatalf("read lessons: %v", err)
	}
	if lessons["l9"].Name != "Quick" || len(lessons["l9"].Questions) != 1 {
		t.Fatalf("unexpected lessons %+v", lessons)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	path := filepath.Join(t.TempDir(), "missing.yaml")

	cmd := NewTokenCmd(&path)
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--user", "host-1", "--name", "Host"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token command: %v", err)
	}

	claims, err := auth.NewAuthenticator("cli-secret", time.Hour).Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if claims.UserID() != "host-1" || claims.Name != "Host" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}
