package track

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTrackFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeTrackFile(t, dir, "linux.yaml", `
id: linux-basics
title: Linux Basics
published: true
docker_image: ubuntu:22.04
steps:
  - title: First step
    setup_script: "echo setup"
    validation_script: "test -f /tmp/done"
  - title: Second step
`)
	writeTrackFile(t, dir, "notes.txt", "not a track")

	tracks, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("len(tracks) = %d, want 1", len(tracks))
	}

	tr := tracks[0]
	if tr.ID != "linux-basics" {
		t.Errorf("ID = %q, want linux-basics", tr.ID)
	}
	if !tr.Published {
		t.Error("Published = false, want true")
	}
	if len(tr.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(tr.Steps))
	}
	// Orders are assigned from file position when omitted.
	if tr.Steps[0].Order != 1 || tr.Steps[1].Order != 2 {
		t.Errorf("step orders = %d, %d, want 1, 2", tr.Steps[0].Order, tr.Steps[1].Order)
	}
	if tr.Steps[0].SetupScript != "echo setup" {
		t.Errorf("SetupScript = %q, want echo setup", tr.Steps[0].SetupScript)
	}
}

func TestLoadDirAppContainer(t *testing.T) {
	dir := t.TempDir()
	writeTrackFile(t, dir, "app.yaml", `
id: webapp
title: Web App Lab
docker_image: ubuntu:22.04
app_url_template: "http://localhost:{port}/admin"
app_container:
  image: nginx:alpine
  ports:
    - {container: 80, host: 0}
    - {container: 9000, host: 19000}
  env: {MODE: demo}
auto_login:
  type: url_params
  config:
    params: {user: demo}
steps:
  - title: Only step
`)

	tracks, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	tr := tracks[0]
	if !tr.HasApp() {
		t.Fatal("HasApp() = false, want true")
	}
	if tr.AppContainer.Ports[0].Host != 0 {
		t.Errorf("Ports[0].Host = %d, want 0 (dynamic)", tr.AppContainer.Ports[0].Host)
	}
	if tr.AppContainer.Ports[1].Host != 19000 {
		t.Errorf("Ports[1].Host = %d, want 19000", tr.AppContainer.Ports[1].Host)
	}
	if tr.AutoLogin.Type != "url_params" {
		t.Errorf("AutoLogin.Type = %q, want url_params", tr.AutoLogin.Type)
	}
	if tr.AutoLogin.Config.Params["user"] != "demo" {
		t.Errorf("AutoLogin params = %v, want user=demo", tr.AutoLogin.Config.Params)
	}
}

func TestLoadDirValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing id", "title: T\ndocker_image: i\n"},
		{"missing title", "id: t\ndocker_image: i\n"},
		{"missing image", "id: t\ntitle: T\n"},
		{"step without title", "id: t\ntitle: T\ndocker_image: i\nsteps:\n  - setup_script: x\n"},
		{"duplicate step order", "id: t\ntitle: T\ndocker_image: i\nsteps:\n  - {title: a, order: 1}\n  - {title: b, order: 1}\n"},
		{"app container without image", "id: t\ntitle: T\ndocker_image: i\napp_container:\n  ports: [{container: 80, host: 0}]\n"},
		{"bad auto login type", "id: t\ntitle: T\ndocker_image: i\nauto_login:\n  type: magic\n  config: {}\n"},
		{"malformed yaml", "id: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTrackFile(t, dir, "bad.yaml", tt.content)
			if _, err := LoadDir(dir); err == nil {
				t.Error("LoadDir() error = nil, want validation error")
			}
		})
	}
}

func TestLoadDirDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeTrackFile(t, dir, "a.yaml", "id: same\ntitle: A\ndocker_image: i\n")
	writeTrackFile(t, dir, "b.yaml", "id: same\ntitle: B\ndocker_image: i\n")

	if _, err := LoadDir(dir); err == nil {
		t.Error("LoadDir() error = nil, want duplicate id error")
	}
}

func TestStepByOrder(t *testing.T) {
	tr := Track{Steps: []Step{{Order: 1, Title: "a"}, {Order: 2, Title: "b"}}}
	if got := tr.StepByOrder(2); got == nil || got.Title != "b" {
		t.Errorf("StepByOrder(2) = %v, want step b", got)
	}
	if got := tr.StepByOrder(3); got != nil {
		t.Errorf("StepByOrder(3) = %v, want nil", got)
	}
}
