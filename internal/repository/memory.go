package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/keygate/internal/fingerprint"
	"github.com/iliyamo/keygate/internal/model"
)

// memoryState is the shared backing for the in-memory repositories.  A
// single mutex serializes every operation, which makes CreateCapped and
// Attach trivially atomic.
type memoryState struct {
	mu       sync.Mutex
	nextID   uint64
	licenses map[uint64]model.License
	hwids    map[uint64]model.Hwid
	sessions map[string]model.LicenseSession
	clients  map[string]model.Client
}

// Memory bundles in-memory implementations of every repository.  It backs
// the "memory" storage driver used for local runs and tests.
type Memory struct {
	Licenses *MemoryLicenseRepo
	Hwids    *MemoryHwidRepo
	Sessions *MemorySessionRepo
	Clients  *MemoryClientRepo
}

// NewMemory returns empty in-memory repositories sharing one state.
func NewMemory() *Memory {
	st := &memoryState{
		licenses: make(map[uint64]model.License),
		hwids:    make(map[uint64]model.Hwid),
		sessions: make(map[string]model.LicenseSession),
		clients:  make(map[string]model.Client),
	}
	return &Memory{
		Licenses: &MemoryLicenseRepo{st: st},
		Hwids:    &MemoryHwidRepo{st: st},
		Sessions: &MemorySessionRepo{st: st},
		Clients:  &MemoryClientRepo{st: st},
	}
}

func (st *memoryState) id() uint64 {
	st.nextID++
	return st.nextID
}

// MemoryLicenseRepo is the in-memory counterpart of LicenseRepo.
type MemoryLicenseRepo struct{ st *memoryState }

func (r *MemoryLicenseRepo) Create(_ context.Context, l *model.License) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, existing := range r.st.licenses {
		if existing.Value == l.Value {
			return ErrConflict
		}
	}
	l.ID = r.st.id()
	l.CreatedAt = time.Now().UTC().Truncate(time.Second)
	r.st.licenses[l.ID] = cloneLicense(*l)
	return nil
}

func (r *MemoryLicenseRepo) find(match func(model.License) bool) (model.License, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, l := range r.st.licenses {
		if match(l) {
			return cloneLicense(l), nil
		}
	}
	return model.License{}, ErrNotFound
}

func (r *MemoryLicenseRepo) GetByValue(_ context.Context, value string) (model.License, error) {
	return r.find(func(l model.License) bool { return l.Value == value })
}

func (r *MemoryLicenseRepo) GetByUsername(_ context.Context, username string) (model.License, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return model.License{}, ErrNotFound
	}
	return r.find(func(l model.License) bool { return l.Username == username })
}

func (r *MemoryLicenseRepo) GetByID(_ context.Context, id uint64) (model.License, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	l, ok := r.st.licenses[id]
	if !ok {
		return model.License{}, ErrNotFound
	}
	return cloneLicense(l), nil
}

func (r *MemoryLicenseRepo) Update(_ context.Context, id uint64, fn func(l *model.License) error) (model.License, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	cur, ok := r.st.licenses[id]
	if !ok {
		return model.License{}, ErrNotFound
	}
	next := cloneLicense(cur)
	if err := fn(&next); err != nil {
		return model.License{}, err
	}
	next.Username = strings.ToLower(next.Username)
	if next.Username != "" {
		for otherID, other := range r.st.licenses {
			if otherID != id && other.Username == next.Username {
				return model.License{}, ErrUsernameTaken
			}
		}
	}
	r.st.licenses[id] = cloneLicense(next)
	return next, nil
}

func (r *MemoryLicenseRepo) Delete(_ context.Context, value string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for id, l := range r.st.licenses {
		if l.Value != value {
			continue
		}
		delete(r.st.licenses, id)
		for sid, s := range r.st.sessions {
			if s.LicenseID == id {
				delete(r.st.sessions, sid)
			}
		}
		for hid, h := range r.st.hwids {
			if h.LicenseID != nil && *h.LicenseID == id {
				h.LicenseID = nil
				r.st.hwids[hid] = h
			}
		}
		return nil
	}
	return ErrNotFound
}

// MemoryHwidRepo is the in-memory counterpart of HwidRepo.
type MemoryHwidRepo struct{ st *memoryState }

func (r *MemoryHwidRepo) GetByLicense(_ context.Context, licenseID uint64) (model.Hwid, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, h := range r.st.hwids {
		if h.LicenseID != nil && *h.LicenseID == licenseID {
			return h, nil
		}
	}
	return model.Hwid{}, ErrNotFound
}

func (r *MemoryHwidRepo) Attach(_ context.Context, licenseID uint64, f fingerprint.Fingerprint) (model.Hwid, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, h := range r.st.hwids {
		if h.LicenseID == nil {
			continue
		}
		if *h.LicenseID == licenseID {
			return model.Hwid{}, ErrConflict
		}
		if h.Print.CPU == f.CPU && h.Print.BIOS == f.BIOS {
			return model.Hwid{}, ErrHwidInUse
		}
	}
	lid := licenseID
	h := model.Hwid{ID: r.st.id(), LicenseID: &lid, Print: f, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	r.st.hwids[h.ID] = h
	return h, nil
}

func (r *MemoryHwidRepo) Detach(_ context.Context, licenseID uint64) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for id, h := range r.st.hwids {
		if h.LicenseID != nil && *h.LicenseID == licenseID {
			h.LicenseID = nil
			r.st.hwids[id] = h
		}
	}
	return nil
}

// MemorySessionRepo is the in-memory counterpart of SessionRepo.
type MemorySessionRepo struct{ st *memoryState }

func (r *MemorySessionRepo) countActive(licenseID uint64) int {
	n := 0
	for _, s := range r.st.sessions {
		if s.LicenseID == licenseID && s.Active {
			n++
		}
	}
	return n
}

func (r *MemorySessionRepo) CountActive(_ context.Context, licenseID uint64) (int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.countActive(licenseID), nil
}

func (r *MemorySessionRepo) CreateCapped(_ context.Context, s *model.LicenseSession, maxSessions int) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.licenses[s.LicenseID]; !ok {
		return ErrNotFound
	}
	if maxSessions > 0 && r.countActive(s.LicenseID) >= maxSessions {
		return ErrMaxSessions
	}
	if _, dup := r.st.sessions[s.ID]; dup {
		return ErrConflict
	}
	s.Active = true
	r.st.sessions[s.ID] = cloneSession(*s)
	return nil
}

func (r *MemorySessionRepo) GetByID(_ context.Context, id string) (model.LicenseSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[id]
	if !ok {
		return model.LicenseSession{}, ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *MemorySessionRepo) GetByTokenHash(_ context.Context, hash string) (model.LicenseSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, s := range r.st.sessions {
		if s.TokenHash != nil && *s.TokenHash == hash {
			return cloneSession(s), nil
		}
	}
	return model.LicenseSession{}, ErrNotFound
}

func (r *MemorySessionRepo) Rotate(_ context.Context, id, oldHash, newHash string, refreshedAt time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[id]
	if !ok || !s.Active || s.TokenHash == nil || *s.TokenHash != oldHash {
		return ErrConflict
	}
	h := newHash
	t := refreshedAt.UTC()
	s.TokenHash = &h
	s.RefreshedAt = &t
	r.st.sessions[id] = s
	return nil
}

func (r *MemorySessionRepo) BindHwid(_ context.Context, id string, hwidID uint64) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	hid := hwidID
	s.HwidID = &hid
	r.st.sessions[id] = s
	return nil
}

func (r *MemorySessionRepo) Revoke(_ context.Context, id string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.TokenHash = nil
	s.Active = false
	r.st.sessions[id] = s
	return nil
}

func (r *MemorySessionRepo) ListActive(_ context.Context, licenseID uint64) ([]model.LicenseSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []model.LicenseSession
	for _, s := range r.st.sessions {
		if s.LicenseID == licenseID && s.Active {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MemoryClientRepo is the in-memory counterpart of ClientRepo.
type MemoryClientRepo struct{ st *memoryState }

// Put registers or replaces a client.
func (r *MemoryClientRepo) Put(c model.Client) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c.Scopes = append([]string(nil), c.Scopes...)
	r.st.clients[c.ID] = c
}

func (r *MemoryClientRepo) GetByID(_ context.Context, id string) (model.Client, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.clients[id]
	if !ok {
		return model.Client{}, ErrNotFound
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return c, nil
}

func cloneLicense(l model.License) model.License {
	if l.LastPausedAt != nil {
		t := *l.LastPausedAt
		l.LastPausedAt = &t
	}
	if l.ExternalID != nil {
		v := *l.ExternalID
		l.ExternalID = &v
	}
	if l.PersistenceTokenHash != nil {
		v := *l.PersistenceTokenHash
		l.PersistenceTokenHash = &v
	}
	return l
}

func cloneSession(s model.LicenseSession) model.LicenseSession {
	if s.HwidID != nil {
		v := *s.HwidID
		s.HwidID = &v
	}
	if s.TokenHash != nil {
		v := *s.TokenHash
		s.TokenHash = &v
	}
	if s.RefreshedAt != nil {
		t := *s.RefreshedAt
		s.RefreshedAt = &t
	}
	return s
}
