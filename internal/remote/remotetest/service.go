// Package remotetest is an in-process stand-in for the legacy mobile ID
// service. It speaks the same form/XML contract, tracks sessions by cookie and
// records every call so tests can assert ordering.
package remotetest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/kw-pass/kwpass/internal/remote"
)

const sessionCookie = "PHPSESSID"

// Step names recorded by Calls.
const (
	StepSecret  = "secret"
	StepLogin   = "login"
	StepPayload = "payload"
)

// Mode selects how a step misbehaves.
type Mode int

const (
	// ModeOK answers normally.
	ModeOK Mode = iota
	// ModeEmpty answers a well-formed document with the field missing.
	ModeEmpty
	// ModeStatus answers HTTP 500.
	ModeStatus
	// ModeMalformed answers a body that is not XML.
	ModeMalformed
	// ModeDrop closes the connection without a response.
	ModeDrop
)

type member struct {
	secret  string
	contact string
}

// Service is the fake. The zero value is not usable; call New.
type Service struct {
	mu       sync.Mutex
	members  map[string]member
	sessions map[string]string
	tokens   map[string]string
	modes    map[string]Mode
	calls    []string
	issued   int
	// Hook, when set, runs at the start of every request with the step name.
	Hook func(step string)
}

// New returns an empty service.
func New() *Service {
	return &Service{
		members:  make(map[string]member),
		sessions: make(map[string]string),
		tokens:   make(map[string]string),
		modes:    make(map[string]Mode),
	}
}

// AddMember registers an account. wireID is the identifier as sent on the
// wire, including any prefix.
func (s *Service) AddMember(wireID, secret, contact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[wireID] = member{secret: secret, contact: contact}
}

// SetMode changes how step answers until changed again.
func (s *Service) SetMode(step string, m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[step] = m
}

// IssueToken creates a valid token for wireID without a login, as if a
// previous session had cached it.
func (s *Service) IssueToken(wireID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.tokens[token] = wireID
	return token
}

// RevokeTokens invalidates every issued token.
func (s *Service) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// Calls returns the steps served so far, in order.
func (s *Service) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// ResetCalls clears the call log.
func (s *Service) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Router exposes the three endpoints at their production paths.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/"+remote.PathSessionSecret, s.handleSecret).Methods("POST")
	r.HandleFunc("/"+remote.PathLogin, s.handleLogin).Methods("POST")
	r.HandleFunc("/"+remote.PathPayload, s.handlePayload).Methods("POST")
	return r
}

func (s *Service) handleSecret(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, StepSecret) {
		return
	}
	wireID, ok := decodeField(r.PostFormValue("user_id"))
	if !ok {
		writeItem(w, "", "")
		return
	}

	s.mu.Lock()
	_, known := s.members[wireID]
	s.mu.Unlock()
	if !known {
		writeItem(w, "", "")
		return
	}

	secret := randomHex(8)
	sid := randomHex(16)
	s.mu.Lock()
	s.sessions[sid] = secret
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sid, Path: "/"})
	writeItem(w, "sec_key", secret)
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, StepLogin) {
		return
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		writeItem(w, "", "")
		return
	}

	s.mu.Lock()
	sessionSecret, ok := s.sessions[cookie.Value]
	s.mu.Unlock()
	if !ok {
		writeItem(w, "", "")
		return
	}

	realID, _ := decodeField(r.PostFormValue("real_id"))
	rid, _ := decodeField(r.PostFormValue("rid"))
	secret, err := remote.DecryptSecret(r.PostFormValue("pass_wd"), sessionSecret)
	if err != nil || realID != rid || r.PostFormValue("device_gb") != "A" {
		writeItem(w, "", "")
		return
	}

	s.mu.Lock()
	m, known := s.members[realID]
	s.mu.Unlock()
	if !known || m.secret != secret || m.contact != r.PostFormValue("tel_no") {
		writeItem(w, "", "")
		return
	}

	writeItem(w, "auth_key", s.IssueToken(realID))
}

func (s *Service) handlePayload(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, StepPayload) {
		return
	}
	realID, _ := decodeField(r.PostFormValue("real_id"))

	s.mu.Lock()
	owner, ok := s.tokens[r.PostFormValue("auth_key")]
	if ok && owner == realID && r.PostFormValue("new_check") == "Y" {
		s.issued++
	} else {
		ok = false
	}
	n := s.issued
	s.mu.Unlock()

	if !ok {
		writeItem(w, "", "")
		return
	}
	writeItem(w, "qr_code", fmt.Sprintf("KWPASS|%s|%06d", realID, n))
}

// begin records the call and applies the step's failure mode. It reports
// whether the handler should continue.
func (s *Service) begin(w http.ResponseWriter, step string) bool {
	s.mu.Lock()
	s.calls = append(s.calls, step)
	mode := s.modes[step]
	hook := s.Hook
	s.mu.Unlock()

	if hook != nil {
		hook(step)
	}

	switch mode {
	case ModeEmpty:
		writeItem(w, "", "")
		return false
	case ModeStatus:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	case ModeMalformed:
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>maintenance"))
		return false
	case ModeDrop:
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return false
			}
		}
		panic(http.ErrAbortHandler)
	}
	return true
}

func writeItem(w http.ResponseWriter, field, value string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	body := "<?xml version=\"1.0\" encoding=\"UTF-8\"?><root><item>"
	if field != "" {
		body += "<" + field + ">" + value + "</" + field + ">"
	}
	body += "</item></root>"
	w.Write([]byte(body))
}

func decodeField(v string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
