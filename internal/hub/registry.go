package hub

import (
	"errors"
	"sort"
	"sync"
	"time"

	"termrelay/internal/pairing"
)

const (
	DefaultCodeTTL = 5 * time.Minute

	// maxCodeAttempts bounds the collision loop. With 31^6 codes a miss this
	// many times in a row means the registry is pathologically full.
	maxCodeAttempts = 64
)

// JoinError is a typed registry failure carrying its wire error code.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string { return e.Message }

var (
	ErrCodeNotFound  = &JoinError{Code: ErrCodeInvalidCode, Message: "invalid session code"}
	ErrCodeExpired   = &JoinError{Code: ErrCodeExpiredCode, Message: "session code expired"}
	ErrAlreadyJoined = &JoinError{Code: ErrCodeAlreadyJoined, Message: "already joined"}
	ErrRegistryFull  = errors.New("session registry full")
)

type RegistryOptions struct {
	CodeTTL     time.Duration
	MaxSessions int
	Now         func() time.Time
	Generate    func() string
}

// Registry maps live pairing codes to sessions. It is the only structure
// shared between connection goroutines; callers get snapshots and deliver
// messages after every lock is released.
type Registry struct {
	ttl         time.Duration
	maxSessions int
	now         func() time.Time
	generate    func() string

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	code      string
	clientID  string
	agent     *peer
	createdAt time.Time
	expiresAt time.Time

	mu             sync.Mutex
	paired         bool
	expiryNotified bool
	viewers        map[string]*peer
	subs           map[string]*subSession
	subSeq         uint64
}

type subSession struct {
	id         string
	name       string
	seq        uint64
	lastActive time.Time
}

// JoinResult is what a viewer needs after a join attempt.
type JoinResult struct {
	Agent       *peer
	SubSessions []SessionInfo
}

// Teardown is the state left behind by a removed session.
type Teardown struct {
	Viewers     []*peer
	SubSessions []string
}

// SessionSummary is the admin view of one session.
type SessionSummary struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	Paired      bool      `json:"paired"`
	Viewers     int       `json:"viewers"`
	SubSessions int       `json:"sub_sessions"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = DefaultCodeTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Generate == nil {
		opts.Generate = pairing.Generate
	}
	return &Registry{
		ttl:         opts.CodeTTL,
		maxSessions: opts.MaxSessions,
		now:         opts.Now,
		generate:    opts.Generate,
		sessions:    make(map[string]*session),
	}
}

func (r *Registry) RegisterAgent(agent *peer, clientID string) (string, time.Time, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return "", time.Time{}, ErrRegistryFull
	}
	for i := 0; i < maxCodeAttempts; i++ {
		code := r.generate()
		if _, taken := r.sessions[code]; taken {
			continue
		}
		s := &session{
			code:      code,
			clientID:  clientID,
			agent:     agent,
			createdAt: now,
			expiresAt: now.Add(r.ttl),
			viewers:   make(map[string]*peer),
			subs:      make(map[string]*subSession),
		}
		r.sessions[code] = s
		return code, s.expiresAt, nil
	}
	return "", time.Time{}, ErrRegistryFull
}

// ValidateAndJoin attaches viewer to the session behind code. Joining marks
// the session paired, after which the code no longer expires. An expired
// unpaired entry is removed and its agent returned so the caller can notify it.
//
// onJoin, if non-nil, runs under the session lock before the viewer becomes
// visible to fan-out, so whatever it queues precedes any routed frame. It
// must not block. If it fails the viewer is not attached.
func (r *Registry) ValidateAndJoin(code string, viewer *peer, onJoin func(JoinResult) error) (JoinResult, error) {
	code = pairing.Normalize(code)
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[code]
	if s == nil {
		return JoinResult{}, ErrCodeNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paired && !now.Before(s.expiresAt) {
		delete(r.sessions, code)
		return JoinResult{Agent: s.agent}, ErrCodeExpired
	}
	if _, ok := s.viewers[viewer.id]; ok {
		return JoinResult{}, ErrAlreadyJoined
	}
	res := JoinResult{Agent: s.agent, SubSessions: s.subSessionList()}
	if onJoin != nil {
		if err := onJoin(res); err != nil {
			return JoinResult{}, err
		}
	}
	s.viewers[viewer.id] = viewer
	s.paired = true
	return res, nil
}

// Leave detaches one viewer. It has no effect on the agent or other viewers.
func (r *Registry) Leave(code, viewerID string) bool {
	s := r.lookup(code)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[viewerID]; !ok {
		return false
	}
	delete(s.viewers, viewerID)
	return true
}

// Remove deletes the session if agent still owns it and returns what is
// needed to notify its viewers.
func (r *Registry) Remove(code string, agent *peer) (Teardown, bool) {
	r.mu.Lock()
	s := r.sessions[code]
	if s == nil || s.agent != agent {
		r.mu.Unlock()
		return Teardown{}, false
	}
	delete(r.sessions, code)
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	td := Teardown{Viewers: make([]*peer, 0, len(s.viewers))}
	for _, v := range s.viewers {
		td.Viewers = append(td.Viewers, v)
	}
	for _, info := range s.subSessionList() {
		td.SubSessions = append(td.SubSessions, info.ID)
	}
	s.viewers = map[string]*peer{}
	return td, true
}

func (r *Registry) Agent(code string) (*peer, bool) {
	s := r.lookup(code)
	if s == nil {
		return nil, false
	}
	return s.agent, true
}

func (r *Registry) Viewers(code string) []*peer {
	s := r.lookup(code)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.viewers))
	for _, v := range s.viewers {
		out = append(out, v)
	}
	return out
}

// TouchSubSession records activity on id. first is true the first time id
// is seen in this session; ok is false if the session is gone.
func (r *Registry) TouchSubSession(code, id string) (first, ok bool) {
	s := r.lookup(code)
	if s == nil {
		return false, false
	}
	now := r.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, exists := s.subs[id]; exists {
		sub.lastActive = now
		return false, true
	}
	s.addSub(id, "", now)
	return true, true
}

func (r *Registry) SetSubSession(code, id, name string) bool {
	s := r.lookup(code)
	if s == nil {
		return false
	}
	now := r.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, exists := s.subs[id]; exists {
		sub.name = name
		sub.lastActive = now
		return true
	}
	s.addSub(id, name, now)
	return true
}

func (r *Registry) DropSubSession(code, id string) bool {
	s := r.lookup(code)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[id]; !exists {
		return false
	}
	delete(s.subs, id)
	return true
}

// ReplaceSubSessions swaps in the agent's authoritative list, keeping
// activity timestamps for ids that survive.
func (r *Registry) ReplaceSubSessions(code string, list []SessionInfo) bool {
	s := r.lookup(code)
	if s == nil {
		return false
	}
	now := r.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.subs
	s.subs = make(map[string]*subSession, len(list))
	for _, info := range list {
		if info.ID == "" {
			continue
		}
		if prev, ok := old[info.ID]; ok {
			prev.name = info.Name
			s.subs[info.ID] = prev
			continue
		}
		s.addSub(info.ID, info.Name, now)
	}
	return true
}

func (r *Registry) SubSessions(code string) []SessionInfo {
	s := r.lookup(code)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subSessionList()
}

// ExpiredUnpaired returns agents whose code lapsed without a viewer joining
// and that have not been told yet.
func (r *Registry) ExpiredUnpaired() []*peer {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*peer
	for _, s := range r.sessions {
		s.mu.Lock()
		if !s.paired && !s.expiryNotified && !now.Before(s.expiresAt) {
			s.expiryNotified = true
			out = append(out, s.agent)
		}
		s.mu.Unlock()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() []SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		out = append(out, SessionSummary{
			Code:        s.code,
			ClientID:    s.clientID,
			Paired:      s.paired,
			Viewers:     len(s.viewers),
			SubSessions: len(s.subs),
			CreatedAt:   s.createdAt,
			ExpiresAt:   s.expiresAt,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) lookup(code string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[code]
}

func (s *session) addSub(id, name string, now time.Time) {
	s.subSeq++
	s.subs[id] = &subSession{id: id, name: name, seq: s.subSeq, lastActive: now}
}

func (s *session) subSessionList() []SessionInfo {
	subs := make([]*subSession, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	out := make([]SessionInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, SessionInfo{ID: sub.id, Name: sub.name})
	}
	return out
}
