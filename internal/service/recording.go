package service

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"lectern/audio"
	"lectern/session"
)

// Длина чанка записи. Фиксированные интервалы: нарезка по тишине не нужна,
// пустые чанки отсеет speechGate перед транскрипцией.
const chunkDuration = 30 * time.Second

// RecordingService пишет лекцию: микрофон → полный MP3 + WAV-чанки,
// чанки уходят в очередь транскрипции.
type RecordingService struct {
	capture       *audio.Capture
	sessions      *session.Manager
	transcription *TranscriptionService

	mu        sync.Mutex
	active    *session.Session
	mp3       *session.MP3Writer
	chunkBuf  []float32
	total     int64
	stopChan  chan struct{}
	stoppedWg sync.WaitGroup
}

// NewRecordingService создаёт сервис записи.
func NewRecordingService(capture *audio.Capture, sessions *session.Manager, transcription *TranscriptionService) *RecordingService {
	return &RecordingService{
		capture:       capture,
		sessions:      sessions,
		transcription: transcription,
	}
}

// StartSession начинает запись новой сессии.
func (r *RecordingService) StartSession(cfg session.SessionConfig) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, fmt.Errorf("recording is already in progress")
	}

	s, err := r.sessions.CreateSession(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Device != "" {
		if err := r.capture.SetDevice(cfg.Device); err != nil {
			log.Printf("RecordingService: %v, using default device", err)
		}
	}

	mp3Path := filepath.Join(s.DataDir, "recording.mp3")
	mp3, err := session.NewMP3Writer(mp3Path, session.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create mp3 writer: %w", err)
	}

	if err := r.capture.Start(); err != nil {
		mp3.Close()
		return nil, err
	}

	r.active = s
	r.mp3 = mp3
	r.chunkBuf = r.chunkBuf[:0]
	r.total = 0
	r.stopChan = make(chan struct{})
	r.stoppedWg.Add(1)
	go r.consumeAudio(s, r.stopChan)

	log.Printf("RecordingService: session %s recording", s.ID)
	return s, nil
}

func (r *RecordingService) consumeAudio(s *session.Session, stop chan struct{}) {
	defer r.stoppedWg.Done()
	chunkSamples := int(chunkDuration.Seconds()) * session.SampleRate

	for {
		select {
		case <-stop:
			return
		case samples := <-r.capture.Data():
			r.mu.Lock()
			if r.active == nil || r.active.ID != s.ID {
				r.mu.Unlock()
				return
			}
			r.mp3.Write(samples)
			r.chunkBuf = append(r.chunkBuf, samples...)
			r.total += int64(len(samples))
			var flush []float32
			if len(r.chunkBuf) >= chunkSamples {
				flush = make([]float32, len(r.chunkBuf))
				copy(flush, r.chunkBuf)
				r.chunkBuf = r.chunkBuf[:0]
			}
			total := r.total
			r.mu.Unlock()

			if flush != nil {
				r.flushChunk(s, flush, total)
			}
		}
	}
}

// flushChunk пишет чанк в WAV и ставит его в очередь транскрипции.
func (r *RecordingService) flushChunk(s *session.Session, samples []float32, totalSamples int64) {
	endMs := totalSamples * 1000 / session.SampleRate
	startMs := endMs - int64(len(samples))*1000/session.SampleRate

	wavPath := filepath.Join(s.DataDir, fmt.Sprintf("chunk_%06d.wav", startMs/1000))
	if err := session.WriteWAVFile(wavPath, samples, session.SampleRate); err != nil {
		log.Printf("RecordingService: failed to write chunk: %v", err)
		return
	}

	chunk, err := r.sessions.AddChunk(s.ID, startMs, endMs, wavPath)
	if err != nil {
		log.Printf("RecordingService: failed to add chunk: %v", err)
		return
	}
	r.transcription.Enqueue(s.ID, chunk.ID, wavPath)
}

// StopSession останавливает запись: хвост буфера уходит последним чанком.
func (r *RecordingService) StopSession() (*session.Session, error) {
	r.mu.Lock()
	s := r.active
	if s == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("no recording in progress")
	}
	close(r.stopChan)
	r.mu.Unlock()

	r.capture.Stop()
	r.stoppedWg.Wait()

	r.mu.Lock()
	tail := r.chunkBuf
	r.chunkBuf = nil
	total := r.total
	mp3 := r.mp3
	r.mp3 = nil
	r.active = nil
	r.mu.Unlock()

	if len(tail) > session.SampleRate { // хвосты короче секунды не держат речи
		r.flushChunk(s, tail, total)
	}
	if mp3 != nil {
		mp3.Close()
	}

	duration := time.Duration(total/session.SampleRate) * time.Second
	if err := r.sessions.FinishSession(s.ID, duration, total); err != nil {
		return nil, err
	}
	return r.sessions.GetSession(s.ID), nil
}

// IsRecording true во время активной записи.
func (r *RecordingService) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// ActiveSession текущая записываемая сессия или nil.
func (r *RecordingService) ActiveSession() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
