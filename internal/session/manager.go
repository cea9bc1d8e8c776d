package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/remaster/remaster-agent/internal/backend"
	"github.com/remaster/remaster-agent/internal/config"
	"github.com/remaster/remaster-agent/internal/journal"
)

// Deps are the shared collaborators every session gets.
type Deps struct {
	Client       backend.Client
	Journal      journal.Repository
	Tunables     config.Tunables
	MediaFactory MediaFactory
	Logger       *slog.Logger
}

// Manager owns one Service per open project. Sessions are created on first
// use and live until CloseAll.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Service
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		sessions: map[string]*Service{},
	}
}

// Open returns the project's session, creating and loading it on first use.
func (m *Manager) Open(ctx context.Context, projectID string) (*Service, error) {
	m.mu.Lock()
	if svc, ok := m.sessions[projectID]; ok {
		m.mu.Unlock()
		return svc, nil
	}
	m.mu.Unlock()

	svc := New(Config{
		ProjectID:    projectID,
		Client:       m.deps.Client,
		Journal:      m.deps.Journal,
		Tunables:     m.deps.Tunables,
		MediaFactory: m.deps.MediaFactory,
		Logger:       m.deps.Logger,
	})

	if err := svc.Open(ctx); err != nil {
		svc.Close()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[projectID]; ok {
		// Another request opened it concurrently; keep the first one.
		go svc.Close()
		return existing, nil
	}
	m.sessions[projectID] = svc
	return svc, nil
}

// Get returns an already-open session, or nil.
func (m *Manager) Get(projectID string) *Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[projectID]
}

// CloseAll tears down every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*Service{}
	m.mu.Unlock()

	for _, svc := range sessions {
		svc.Close()
	}
}
