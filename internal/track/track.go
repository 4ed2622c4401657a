package track

import "strings"

// Track is a hands-on lab: a sandbox image, ordered steps, and optional
// companion app wiring. Tracks are authored as YAML files and upserted into
// the store at boot.
type Track struct {
	ID             string            `yaml:"id" json:"id"`
	Title          string            `yaml:"title" json:"title"`
	Description    string            `yaml:"description" json:"description,omitempty"`
	Published      bool              `yaml:"published" json:"published"`
	DockerImage    string            `yaml:"docker_image" json:"docker_image"`
	EnvTemplate    map[string]string `yaml:"env_template" json:"env_template,omitempty"`
	EnvSecrets     map[string]string `yaml:"env_secrets" json:"env_secrets,omitempty"`
	InitScript     string            `yaml:"init_script" json:"init_script,omitempty"`
	AppURLTemplate string            `yaml:"app_url_template" json:"app_url_template,omitempty"`
	AppContainer   *AppSpec          `yaml:"app_container" json:"app_container,omitempty"`
	AutoLogin      *AutoLogin        `yaml:"auto_login" json:"auto_login,omitempty"`
	Steps          []Step            `yaml:"steps" json:"steps"`
}

// Step is one unit of track content with optional setup and validation
// scripts executed in the sandbox.
type Step struct {
	Order            int    `yaml:"order" json:"order"`
	Title            string `yaml:"title" json:"title"`
	Content          string `yaml:"content" json:"content,omitempty"`
	SetupScript      string `yaml:"setup_script" json:"setup_script,omitempty"`
	ValidationScript string `yaml:"validation_script" json:"validation_script,omitempty"`
}

// AppSpec describes the long-lived companion app container for a track.
type AppSpec struct {
	Image   string            `yaml:"image" json:"image"`
	Ports   []PortSpec        `yaml:"ports" json:"ports,omitempty"`
	Command []string          `yaml:"command" json:"command,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

// PortSpec maps a container port to a host port; host 0 requests a
// dynamically allocated port.
type PortSpec struct {
	Container int `yaml:"container" json:"container"`
	Host      int `yaml:"host" json:"host"`
}

// Auto-login mechanisms a track may declare.
const (
	AutoLoginURLParams = "url_params"
	AutoLoginCookies   = "cookies"
)

// AutoLogin configures how learners are signed into the companion app.
type AutoLogin struct {
	Type   string          `yaml:"type" json:"type"` // "url_params" or "cookies"
	Config AutoLoginConfig `yaml:"config" json:"config"`
}

// AutoLoginConfig carries the parameters for the chosen auto-login type.
type AutoLoginConfig struct {
	Params  map[string]string `yaml:"params" json:"params,omitempty"`
	Cookies []Cookie          `yaml:"cookies" json:"cookies,omitempty"`
}

// Cookie is a name/value pair the UI injects client-side for auto-login.
type Cookie struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// StepByOrder returns the step with the given 1-based order, or nil.
func (t *Track) StepByOrder(order int) *Step {
	for i := range t.Steps {
		if t.Steps[i].Order == order {
			return &t.Steps[i]
		}
	}
	return nil
}

// HasApp reports whether the track declares a companion app container.
func (t *Track) HasApp() bool {
	return t.AppContainer != nil && t.AppContainer.Image != ""
}

// HasInitScript reports whether the track declares a non-blank init script.
func (t *Track) HasInitScript() bool {
	return strings.TrimSpace(t.InitScript) != ""
}
