package appcontainer

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// BuildURL returns the learner-visible URL for an enrollment's app. A set
// app_url_template wins; the tokens {port} and {port:<container>} resolve to
// the first mapped host port (in the track's declared order) and the host
// port bound for a specific container port. Without a template the URL
// defaults to http://localhost:<first-host-port>. url_params auto-login is
// appended as a query string. Returns "" when no URL can be built.
func BuildURL(tr *track.Track, ports map[string]int) string {
	base := tr.AppURLTemplate
	if base != "" {
		base = substitutePorts(tr, base, ports)
	} else if first := FirstHostPort(tr, ports); first > 0 {
		base = fmt.Sprintf("http://localhost:%d", first)
	} else {
		return ""
	}
	return appendAutoLoginParams(tr, base)
}

// FirstHostPort returns the host port bound for the first mapped port in the
// track's declared order, or 0 when nothing is mapped. The persisted ports
// map has no order of its own, so the track list is the authority.
func FirstHostPort(tr *track.Track, ports map[string]int) int {
	if tr.AppContainer == nil {
		return 0
	}
	for _, ps := range tr.AppContainer.Ports {
		if host, ok := ports[strconv.Itoa(ps.Container)]; ok {
			return host
		}
	}
	return 0
}

// AutoLoginCookies returns the cookies the UI injects client-side, or nil
// when the track does not use cookie auto-login.
func AutoLoginCookies(tr *track.Track) []track.Cookie {
	if tr.AutoLogin == nil || tr.AutoLogin.Type != track.AutoLoginCookies {
		return nil
	}
	return tr.AutoLogin.Config.Cookies
}

func substitutePorts(tr *track.Track, tmpl string, ports map[string]int) string {
	if first := FirstHostPort(tr, ports); first > 0 {
		tmpl = strings.ReplaceAll(tmpl, "{port}", strconv.Itoa(first))
	}
	for cport, hport := range ports {
		tmpl = strings.ReplaceAll(tmpl, "{port:"+cport+"}", strconv.Itoa(hport))
	}
	return tmpl
}

func appendAutoLoginParams(tr *track.Track, rawURL string) string {
	if tr.AutoLogin == nil || tr.AutoLogin.Type != track.AutoLoginURLParams || len(tr.AutoLogin.Config.Params) == 0 {
		return rawURL
	}
	q := url.Values{}
	for k, v := range tr.AutoLogin.Config.Params {
		q.Set(k, v)
	}
	joiner := "?"
	if strings.Contains(rawURL, "?") {
		joiner = "&"
	}
	return rawURL + joiner + q.Encode()
}
