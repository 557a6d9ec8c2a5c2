// Package ice holds the static STUN/TURN configuration handed to every peer connection.
package ice

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"callsignal-backend/pkg/env"
)

const (
	envICEServersJSON = "ICE_SERVERS_JSON"
	envStunURLs       = "STUN_URLS"
	envTurnURLs       = "TURN_URLS"
	envTurnUsername   = "TURN_USERNAME"
	envTurnCredential = "TURN_CREDENTIAL"
)

// Server is one entry of the ICE server list, in the browser RTCIceServer shape.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

var defaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

var defaultTURN = []string{
	"turn:openrelay.metered.ca:80",
	"turn:openrelay.metered.ca:443",
	"turn:openrelay.metered.ca:443?transport=tcp",
}

const (
	defaultTurnUsername   = "openrelayproject"
	defaultTurnCredential = "openrelayproject"
)

// Default returns the built-in list: public Google STUN plus the OpenRelay TURN relay.
func Default() []Server {
	return []Server{
		{URLs: append([]string(nil), defaultSTUN...)},
		{URLs: append([]string(nil), defaultTURN...), Username: defaultTurnUsername, Credential: defaultTurnCredential},
	}
}

// Load reads the ICE list from the environment.
//
// ICE_SERVERS_JSON wins when set. Otherwise STUN_URLS and TURN_URLS replace the
// matching half of the default list; TURN_URLS requires TURN_USERNAME and TURN_CREDENTIAL.
func Load() ([]Server, error) {
	if raw := strings.TrimSpace(env.GetStringFromFile(envICEServersJSON, "")); raw != "" {
		servers, err := ParseJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, Validate(servers)
	}

	servers, err := FromConvenience(
		env.GetList(envStunURLs),
		env.GetList(envTurnURLs),
		env.GetString(envTurnUsername, ""),
		env.GetStringFromFile(envTurnCredential, ""),
	)
	if err != nil {
		return nil, err
	}
	return servers, Validate(servers)
}

// FromConvenience builds the list from separate STUN and TURN url lists, falling
// back to the defaults for whichever half is empty.
func FromConvenience(stunURLs, turnURLs []string, turnUsername, turnCredential string) ([]Server, error) {
	defaults := Default()
	stun, turn := defaults[0], defaults[1]

	if len(stunURLs) > 0 {
		stun = Server{URLs: stunURLs}
		if err := validateServer(stun); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
	}

	if len(turnURLs) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		turn = Server{URLs: turnURLs, Username: turnUsername, Credential: turnCredential}
		if err := validateServer(turn); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
	}

	return []Server{stun, turn}, nil
}

type serverJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseJSON parses an RTCIceServer[] document. "urls" may be a string or a list.
func ParseJSON(raw string) ([]Server, error) {
	var parsed []serverJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}

	out := make([]Server, 0, len(parsed))
	for i, s := range parsed {
		urls := make([]string, 0, len(s.URLs))
		for _, u := range s.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		server := Server{
			URLs:       urls,
			Username:   strings.TrimSpace(s.Username),
			Credential: strings.TrimSpace(s.Credential),
		}
		if err := validateServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// Validate checks every entry and requires at least one TURN relay.
func Validate(servers []Server) error {
	hasTurn := false
	for i, s := range servers {
		if err := validateServer(s); err != nil {
			return fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		if isTurn(s) {
			hasTurn = true
		}
	}
	if !hasTurn {
		return errors.New("at least one turn server is required")
	}
	return nil
}

// ToWebRTC converts the list into pion's configuration type.
func ToWebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

func validateServer(s Server) error {
	if len(s.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range s.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedScheme(u) {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if isTurn(s) {
		if s.Username == "" {
			return errors.New("turn urls require username")
		}
		if s.Credential == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func isTurn(s Server) bool {
	for _, u := range s.URLs {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func isAllowedScheme(u string) bool {
	for _, prefix := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return false
}
