// Package egress implements the Egress Proxy Selector: per-request session
// rotation spliced into the egress proxy's credentials, plus
// repeated-bad-session escalation that forces a fresh session when a proxy
// base URL has been failing a forwarded request in a row.
package egress

import (
	"crypto/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

const sessionTokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const sessionTokenLength = 8

// Selector derives per-request egress URLs from a configured proxy URL and
// a recognized-provider prefix.
type Selector struct {
	configuredURL string
	prefix        string

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[any]
}

// New builds a Selector. configuredURL may be empty (direct connection,
// no egress proxy). prefix is the recognized-provider match string;
// URLs that don't start with it are returned verbatim.
func New(configuredURL, prefix string) *Selector {
	return &Selector{
		configuredURL: configuredURL,
		prefix:        prefix,
		breakers:      make(map[string]*gobreaker.TwoStepCircuitBreaker[any]),
	}
}

// Configured reports whether an egress proxy URL is set at all.
func (s *Selector) Configured() bool {
	return s.configuredURL != ""
}

// Resolve derives the per-request proxy URL. If the configured URL doesn't
// match the recognized prefix it is returned verbatim (not rotated). If no
// URL is configured, ("", false) is returned — direct connection. If this
// base URL has tripped its breaker from repeated bad sessions (§4.4
// escalation), Resolve degrades to a direct connection until the breaker's
// timeout elapses and allows a single half-open probe back through the
// proxy.
func (s *Selector) Resolve() (proxyURL string, ok bool) {
	if s.configuredURL == "" {
		return "", false
	}
	if !strings.HasPrefix(s.configuredURL, s.prefix) {
		return s.configuredURL, true
	}

	if s.breakerFor(s.configuredURL).State() == gobreaker.StateOpen {
		return "", false
	}

	spliced, err := spliceSession(s.configuredURL)
	if err != nil {
		return s.configuredURL, true
	}
	return spliced, true
}

// spliceSession injects a random session token into the user portion of
// rawURL as <base-user>-session-<token>, replacing any existing session
// segment. Every call rotates the token regardless of breaker state; the
// breaker only decides how aggressively MarkOutcome trips (§4.4 of
// SPEC_FULL.md), not whether Resolve rotates.
func spliceSession(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	token, err := randomSessionToken()
	if err != nil {
		return "", err
	}

	baseUser := u.User.Username()
	if idx := strings.Index(baseUser, "-session-"); idx >= 0 {
		baseUser = baseUser[:idx]
	}
	newUser := baseUser + "-session-" + token

	if password, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(newUser, password)
	} else {
		u.User = url.User(newUser)
	}

	return u.String(), nil
}

func randomSessionToken() (string, error) {
	buf := make([]byte, sessionTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, sessionTokenLength)
	for i, b := range buf {
		out[i] = sessionTokenAlphabet[int(b)%len(sessionTokenAlphabet)]
	}
	return string(out), nil
}

// MarkOutcome reports whether a forwarded request through the current
// egress session succeeded. Three consecutive bad outcomes trip the
// breaker for this base URL, forcing a fresh session token on the next
// Resolve call; a success on a half-open probe closes it again.
func (s *Selector) MarkOutcome(success bool) {
	if s.configuredURL == "" {
		return
	}
	cb := s.breakerFor(s.configuredURL)
	done, err := cb.Allow()
	if err != nil {
		// breaker currently open and not ready for a probe; nothing to report.
		return
	}
	done(success)
}

func (s *Selector) breakerFor(baseURL string) *gobreaker.TwoStepCircuitBreaker[any] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[baseURL]; ok {
		return cb
	}

	cb := gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:        "egress:" + baseURL,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	s.breakers[baseURL] = cb
	return cb
}
