package track

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir parses every *.yaml / *.yml file directly under dir into tracks.
// Each file holds exactly one track. Files that fail to parse or validate
// abort the load: a broken catalog should stop boot, not half-apply.
func LoadDir(dir string) ([]Track, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tracks dir: %w", err)
	}

	var tracks []Track
	seen := make(map[string]string) // track id → filename
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var t Track
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		normalize(&t)
		if err := validate(&t); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prev, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("%s: track id %q already defined in %s", name, t.ID, prev)
		}
		seen[t.ID] = name
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// normalize fills in step orders for authors who omit them. Explicit orders
// win; unset (zero) orders get the 1-based position in the file.
func normalize(t *Track) {
	for i := range t.Steps {
		if t.Steps[i].Order == 0 {
			t.Steps[i].Order = i + 1
		}
	}
}

func validate(t *Track) error {
	var errs []error
	if t.ID == "" {
		errs = append(errs, errors.New("track id is required"))
	}
	if t.Title == "" {
		errs = append(errs, errors.New("track title is required"))
	}
	if t.DockerImage == "" {
		errs = append(errs, errors.New("track docker_image is required"))
	}
	orders := make(map[int]bool, len(t.Steps))
	for i, step := range t.Steps {
		if step.Title == "" {
			errs = append(errs, fmt.Errorf("step %d: title is required", i+1))
		}
		if step.Order < 1 {
			errs = append(errs, fmt.Errorf("step %d: order must be >= 1, got %d", i+1, step.Order))
		} else if orders[step.Order] {
			errs = append(errs, fmt.Errorf("step %d: duplicate order %d", i+1, step.Order))
		}
		orders[step.Order] = true
	}
	if t.AppContainer != nil {
		if t.AppContainer.Image == "" {
			errs = append(errs, errors.New("app_container.image is required when app_container is set"))
		}
		for i, p := range t.AppContainer.Ports {
			if p.Container < 1 || p.Container > 65535 {
				errs = append(errs, fmt.Errorf("app_container.ports[%d]: container port %d out of range", i, p.Container))
			}
			if p.Host < 0 || p.Host > 65535 {
				errs = append(errs, fmt.Errorf("app_container.ports[%d]: host port %d out of range", i, p.Host))
			}
		}
	}
	if t.AutoLogin != nil {
		switch t.AutoLogin.Type {
		case AutoLoginURLParams, AutoLoginCookies:
		default:
			errs = append(errs, fmt.Errorf("auto_login.type must be url_params or cookies, got %q", t.AutoLogin.Type))
		}
	}
	return errors.Join(errs...)
}
