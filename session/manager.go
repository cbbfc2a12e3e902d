package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager управляет сессиями: создание, чанки, транскрипции, конспекты
// и персистентность. Каждая сессия живёт в своей директории с session.json.
type Manager struct {
	dataDir  string
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager создаёт менеджер и поднимает сессии с диска.
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	m := &Manager{
		dataDir:  dataDir,
		sessions: make(map[string]*Session),
	}
	if err := m.loadSessions(); err != nil {
		return nil, err
	}
	return m, nil
}

// loadSessions читает session.json каждой поддиректории. Битые файлы
// пропускаются с логом: одна сломанная сессия не должна валить запуск.
func (m *Manager) loadSessions() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(m.dataDir, entry.Name(), "session.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			log.Printf("SessionManager: skipping corrupted session %s: %v", entry.Name(), err)
			continue
		}
		// Запись, прерванная падением приложения, помечается завершённой.
		if s.Status == SessionStatusRecording {
			s.Status = SessionStatusCompleted
		}
		m.sessions[s.ID] = &s
	}
	log.Printf("SessionManager: loaded %d sessions", len(m.sessions))
	return nil
}

// CreateSession создаёт новую сессию и её директорию.
func (m *Manager) CreateSession(cfg SessionConfig) (*Session, error) {
	id := uuid.New().String()
	dataDir := filepath.Join(m.dataDir, id)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	title := cfg.Title
	if title == "" {
		title = "Лекция " + time.Now().Format("02.01.2006 15:04")
	}
	s := &Session{
		ID:        id,
		Title:     title,
		StartTime: time.Now(),
		Status:    SessionStatusRecording,
		Language:  cfg.Language,
		Model:     cfg.Model,
		DataDir:   dataDir,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := m.SaveSession(id); err != nil {
		return nil, err
	}
	log.Printf("SessionManager: created session %s", id)
	return s, nil
}

// GetSession возвращает сессию по ID или nil.
func (m *Manager) GetSession(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// ListSessions возвращает сессии, новые первыми.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// AddChunk добавляет чанк в сессию.
func (m *Manager) AddChunk(sessionID string, startMs, endMs int64, filePath string) (*Chunk, error) {
	s := m.GetSession(sessionID)
	if s == nil {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}

	s.mu.Lock()
	chunk := &Chunk{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Index:     len(s.Chunks),
		Status:    ChunkStatusPending,
		StartMs:   startMs,
		EndMs:     endMs,
		Duration:  time.Duration(endMs-startMs) * time.Millisecond,
		FilePath:  filePath,
		CreatedAt: time.Now(),
	}
	s.Chunks = append(s.Chunks, chunk)
	s.mu.Unlock()

	return chunk, m.SaveSession(sessionID)
}

// UpdateChunk обновляет статус и транскрипцию чанка.
func (m *Manager) UpdateChunk(sessionID, chunkID string, status ChunkStatus, text string, chunkErr error) error {
	s := m.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	s.mu.Lock()
	for _, c := range s.Chunks {
		if c.ID == chunkID {
			c.Status = status
			if text != "" {
				c.Transcription = text
				now := time.Now()
				c.TranscribedAt = &now
			}
			if chunkErr != nil {
				c.Error = chunkErr.Error()
			}
			break
		}
	}
	s.mu.Unlock()

	return m.SaveSession(sessionID)
}

// SetSummary сохраняет AI-конспект сессии.
func (m *Manager) SetSummary(sessionID, summary string) error {
	s := m.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	s.mu.Lock()
	s.Summary = summary
	s.mu.Unlock()
	return m.SaveSession(sessionID)
}

// SetSlides привязывает презентацию к сессии.
func (m *Manager) SetSlides(sessionID string, deck SlideDeck) error {
	s := m.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if _, err := os.Stat(deck.Path); err != nil {
		return fmt.Errorf("slide deck file: %w", err)
	}
	deck.ImportedAt = time.Now()
	s.mu.Lock()
	s.Slides = &deck
	s.mu.Unlock()
	return m.SaveSession(sessionID)
}

// FinishSession завершает запись сессии.
func (m *Manager) FinishSession(sessionID string, totalDuration time.Duration, sampleCount int64) error {
	s := m.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	s.mu.Lock()
	now := time.Now()
	s.EndTime = &now
	s.Status = SessionStatusCompleted
	s.TotalDuration = totalDuration
	s.SampleCount = sampleCount
	s.mu.Unlock()

	log.Printf("SessionManager: session %s finished (%v)", sessionID, totalDuration)
	return m.SaveSession(sessionID)
}

// Transcript полный текст сессии из завершённых чанков по порядку.
func (m *Manager) Transcript(sessionID string) string {
	s := m.GetSession(sessionID)
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out string
	for _, c := range s.Chunks {
		if c.Status == ChunkStatusCompleted && c.Transcription != "" {
			if out != "" {
				out += "\n"
			}
			out += c.Transcription
		}
	}
	return out
}

// DeleteSession удаляет сессию и её файлы.
func (m *Manager) DeleteSession(sessionID string) error {
	s := m.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if s.Status == SessionStatusRecording {
		return fmt.Errorf("cannot delete session while recording")
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if err := os.RemoveAll(s.DataDir); err != nil {
		return fmt.Errorf("failed to delete session directory: %w", err)
	}
	log.Printf("SessionManager: deleted session %s", sessionID)
	return nil
}

// SaveSession сбрасывает session.json на диск через временный файл.
func (m *Manager) SaveSession(sessionID string) error {
	s := m.GetSession(sessionID)
	if s == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	metaPath := filepath.Join(s.DataDir, "session.json")
	tmpPath := metaPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return os.Rename(tmpPath, metaPath)
}
