// Package api обслуживает UI: WebSocket канал команд и событий плюс
// HTTP-доступ к аудиофайлам сессий.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lectern/ai"
	"lectern/audio"
	"lectern/bridge"
	"lectern/internal/config"
	"lectern/internal/service"
	"lectern/models"
	"lectern/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	Config               *config.Config
	SessionMgr           *session.Manager
	ModelMgr             *models.Manager
	Bridges              *bridge.Bridges
	Capture              *audio.Capture
	TranscriptionService *service.TranscriptionService
	RecordingService     *service.RecordingService
	Assistant            *service.AssistantService

	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

func NewServer(
	cfg *config.Config,
	sessMgr *session.Manager,
	modMgr *models.Manager,
	bridges *bridge.Bridges,
	cap *audio.Capture,
	transSvc *service.TranscriptionService,
	recSvc *service.RecordingService,
	assistant *service.AssistantService,
) *Server {
	s := &Server{
		Config:               cfg,
		SessionMgr:           sessMgr,
		ModelMgr:             modMgr,
		Bridges:              bridges,
		Capture:              cap,
		TranscriptionService: transSvc,
		RecordingService:     recSvc,
		Assistant:            assistant,
		clients:              make(map[*websocket.Conn]bool),
	}
	s.setupCallbacks()
	return s
}

func (s *Server) Start() {
	http.HandleFunc("/ws", s.handleWebSocket)
	http.HandleFunc("/api/sessions/", s.handleSessionsAPI)

	log.Printf("Backend listening on :%s", s.Config.Port)
	if err := http.ListenAndServe(":"+s.Config.Port, nil); err != nil {
		log.Fatal("ListenAndServe:", err)
	}
}

func (s *Server) setupCallbacks() {
	// Прогресс скачивания моделей
	s.ModelMgr.SetProgressCallback(func(modelID string, progress float64, status models.ModelStatus, err error) {
		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		s.broadcast(Message{
			Type:     "model_progress",
			ModelID:  modelID,
			Progress: progress,
			Data:     string(status),
			Error:    errStr,
		})
	})

	// Скачанная модель активируется в мосте без перезапуска
	s.ModelMgr.SetDownloadedCallback(func(info models.ModelInfo) {
		go func() {
			s.Bridges.ActivateDownloaded(info)
			s.broadcastBridgeInfo()
		}()
	})

	// Обновления транскрипции чанков
	if s.TranscriptionService != nil {
		s.TranscriptionService.OnChunkUpdated = func(sessionID, chunkID string) {
			sess := s.SessionMgr.GetSession(sessionID)
			if sess == nil {
				return
			}
			for _, c := range sess.Chunks {
				if c.ID == chunkID {
					s.broadcast(Message{Type: "chunk_transcribed", SessionID: sessionID, Chunk: c})
					return
				}
			}
		}
	}
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Write error: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// send пишет в одно соединение под общим замком: коллбеки шлют broadcast
// из своих горутин, а WriteJSON per-connection не потокобезопасен.
func (s *Server) send(conn *websocket.Conn, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Write error: %v", err)
	}
}

func (s *Server) broadcastBridgeInfo() {
	llmInfo := s.Bridges.LLM.GetInfo()
	whisperInfo := s.Bridges.Whisper.GetInfo()
	s.broadcast(Message{Type: "bridge_info", LLMInfo: &llmInfo, WhisperInfo: &whisperInfo})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade:", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Println("Read:", err)
			break
		}
		s.processMessage(conn, msg)
	}
}

func (s *Server) processMessage(conn *websocket.Conn, msg Message) {
	switch msg.Type {
	case "get_devices":
		devices, err := s.Capture.ListDevices()
		if err != nil {
			s.send(conn, Message{Type: "error", Data: err.Error()})
			return
		}
		s.send(conn, Message{Type: "devices", Devices: devices})

	case "get_models":
		s.send(conn, Message{Type: "models_list", Models: s.ModelMgr.GetAllModelsState()})

	case "download_model":
		if msg.ModelID == "" {
			s.send(conn, Message{Type: "error", Data: "modelId is required"})
			return
		}
		if err := s.ModelMgr.DownloadModel(msg.ModelID); err != nil {
			s.send(conn, Message{Type: "error", Data: err.Error()})
			return
		}
		s.send(conn, Message{Type: "download_started", ModelID: msg.ModelID})

	case "cancel_download":
		if msg.ModelID == "" {
			s.send(conn, Message{Type: "error", Data: "modelId is required"})
			return
		}
		s.ModelMgr.CancelDownload(msg.ModelID)
		s.send(conn, Message{Type: "download_cancelled", ModelID: msg.ModelID})

	case "delete_model":
		if msg.ModelID == "" {
			s.send(conn, Message{Type: "error", Data: "modelId is required"})
			return
		}
		if err := s.ModelMgr.DeleteModel(msg.ModelID); err != nil {
			s.send(conn, Message{Type: "error", Data: err.Error()})
			return
		}
		s.send(conn, Message{Type: "model_deleted", ModelID: msg.ModelID})

	case "set_model":
		s.handleSetModel(conn, msg)

	case "unload_model":
		switch msg.Family {
		case string(models.FamilyTextGen):
			s.Bridges.LLM.Unload()
		case string(models.FamilySpeech):
			s.Bridges.Whisper.Unload()
		default:
			s.send(conn, Message{Type: "error", Data: "unknown model family"})
			return
		}
		s.broadcastBridgeInfo()

	case "get_bridge_info":
		llmInfo := s.Bridges.LLM.GetInfo()
		whisperInfo := s.Bridges.Whisper.GetInfo()
		s.send(conn, Message{Type: "bridge_info", LLMInfo: &llmInfo, WhisperInfo: &whisperInfo})

	case "generate":
		s.handleGenerate(conn, msg, false)

	case "generate_stream":
		s.handleGenerate(conn, msg, true)

	case "generate_summary":
		if msg.SessionID == "" {
			s.send(conn, Message{Type: "error", Data: "sessionId is required"})
			return
		}
		go func() {
			summary, err := s.Assistant.GenerateSummary(context.Background(), msg.SessionID)
			if err != nil {
				s.broadcast(Message{Type: "summary_failed", SessionID: msg.SessionID, Error: err.Error()})
				return
			}
			s.broadcast(Message{Type: "summary_completed", SessionID: msg.SessionID, Summary: summary})
		}()

	case "start_session":
		sess, err := s.RecordingService.StartSession(session.SessionConfig{
			Title:    msg.Title,
			Language: msg.Language,
			Model:    msg.ModelID,
			Device:   msg.Device,
		})
		if err != nil {
			s.send(conn, Message{Type: "error", Data: err.Error()})
			return
		}
		s.broadcast(Message{Type: "session_started", Session: sess})

	case "stop_session":
		sess, err := s.RecordingService.StopSession()
		if err != nil {
			s.send(conn, Message{Type: "error", Data: err.Error()})
			return
		}
		s.broadcast(Message{Type: "session_stopped", Session: sess})

	case "get_sessions":
		s.send(conn, Message{Type: "sessions_list", Sessions: s.sessionInfos()})

	case "get_session":
		sess := s.SessionMgr.GetSession(msg.SessionID)
		if sess == nil {
			s.send(conn, Message{Type: "error", Data: "session not found"})
			return
		}
		s.send(conn, Message{Type: "session", Session: sess})

	case "delete_session":
		if err := s.SessionMgr.DeleteSession(msg.SessionID); err != nil {
			s.send(conn, Message{Type: "error", Data: err.Error()})
			return
		}
		s.send(conn, Message{Type: "session_deleted", SessionID: msg.SessionID})

	case "retranscribe_session":
		if msg.SessionID == "" {
			s.send(conn, Message{Type: "error", Data: "sessionId is required"})
			return
		}
		if err := s.TranscriptionService.RetranscribeSession(msg.SessionID); err != nil {
			s.send(conn, Message{Type: "error", Data: err.Error()})
			return
		}
		s.send(conn, Message{Type: "retranscribe_started", SessionID: msg.SessionID})

	case "import_slides":
		if msg.SessionID == "" || msg.SlidePath == "" {
			s.send(conn, Message{Type: "error", Data: "sessionId and slidePath are required"})
			return
		}
		deck := session.SlideDeck{Path: msg.SlidePath, Title: msg.Title, PageCount: msg.PageCount}
		if err := s.SessionMgr.SetSlides(msg.SessionID, deck); err != nil {
			s.send(conn, Message{Type: "error", Data: err.Error()})
			return
		}
		s.send(conn, Message{Type: "slides_imported", SessionID: msg.SessionID})

	default:
		log.Printf("Unknown message type: %s", msg.Type)
		s.send(conn, Message{Type: "error", Data: "unknown message type: " + msg.Type})
	}
}

// handleSetModel переключает модель в мосте её семейства. Инициализация
// тяжёлая, поэтому уходит в горутину; результат приходит broadcast-ом.
func (s *Server) handleSetModel(conn *websocket.Conn, msg Message) {
	info := models.GetModelByID(msg.ModelID)
	if info == nil {
		s.send(conn, Message{Type: "error", Data: "unknown model: " + msg.ModelID})
		return
	}
	go func() {
		var err error
		switch info.Family {
		case models.FamilyTextGen:
			err = s.Bridges.LLM.SetModel(info.ID)
		case models.FamilySpeech:
			err = s.Bridges.Whisper.SetModel(info.ID)
		default:
			s.broadcast(Message{Type: "error", Data: "model family has no bridge: " + string(info.Family)})
			return
		}
		if err != nil {
			s.broadcast(Message{Type: "set_model_failed", ModelID: info.ID, Error: err.Error()})
		} else {
			s.ModelMgr.SetActiveModel(info.ID)
		}
		s.broadcastBridgeInfo()
	}()
}

// handleGenerate выполняет генерацию асинхронно: фрагменты стриминга и
// финальный ответ привязаны к requestId клиента.
func (s *Server) handleGenerate(conn *websocket.Conn, msg Message, stream bool) {
	if msg.Prompt == "" {
		s.send(conn, Message{Type: "error", Data: "prompt is required"})
		return
	}
	req := ai.GenerateRequest{
		Prompt:       msg.Prompt,
		Context:      msg.Context,
		SystemPrompt: msg.SystemPrompt,
		MaxTokens:    msg.MaxTokens,
		Temperature:  msg.Temperature,
	}
	requestID := msg.RequestID

	go func() {
		var resp *ai.GenerateResponse
		if stream {
			resp = s.Bridges.LLM.GenerateStream(context.Background(), req, func(chunk string) {
				s.broadcast(Message{Type: "generate_chunk", RequestID: requestID, Text: chunk})
			})
		} else {
			resp = s.Bridges.LLM.Generate(context.Background(), req)
		}
		s.broadcast(generateResponseMessage("generate_completed", requestID, resp))
	}()
}

func (s *Server) sessionInfos() []*SessionInfo {
	sessions := s.SessionMgr.ListSessions()
	infos := make([]*SessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = &SessionInfo{
			ID:            sess.ID,
			Title:         sess.Title,
			StartTime:     sess.StartTime,
			Status:        string(sess.Status),
			TotalDuration: int64(sess.TotalDuration / time.Millisecond),
			ChunksCount:   len(sess.Chunks),
			HasSlides:     sess.Slides != nil,
		}
	}
	return infos
}

// handleSessionsAPI отдаёт список сессий и их аудиофайлы по HTTP.
func (s *Server) handleSessionsAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if path == "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.sessionInfos())
		return
	}

	parts := strings.SplitN(path, "/", 2)
	sess := s.SessionMgr.GetSession(parts[0])
	if sess == nil {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sess)
		return
	}

	// Только имя файла, без путей: файлы лежат плоско в директории сессии.
	name := filepath.Base(parts[1])
	filePath := filepath.Join(sess.DataDir, name)
	if _, err := os.Stat(filePath); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filePath)
}
