package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"
)

// fakeStream управляемый из теста поток сообщений вместо gRPC.
type fakeStream struct {
	mu     sync.Mutex
	sent   []*Request
	sentCh chan *Request
	respCh chan *Response
	errCh  chan error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		sentCh: make(chan *Request, 16),
		respCh: make(chan *Response, 16),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeStream) Send(r *Request) error {
	f.mu.Lock()
	f.sent = append(f.sent, r)
	f.mu.Unlock()
	f.sentCh <- r
	return nil
}

func (f *fakeStream) Recv() (*Response, error) {
	select {
	case r := <-f.respCh:
		return r, nil
	case err := <-f.errCh:
		return nil, err
	}
}

func (f *fakeStream) Close() error { return nil }

func newTestManager(f *fakeStream) *Manager {
	m := NewManager(Options{Name: "llm", StartTimeout: 2 * time.Second})
	m.spawn = func() (*exec.Cmd, error) { return nil, nil }
	m.dial = func(ctx context.Context) (msgStream, error) { return f, nil }
	return m
}

func startReady(t *testing.T, m *Manager, f *fakeStream) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()
	f.respCh <- &Response{Type: TypeReady}
	if err := <-done; err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !m.Ready() {
		t.Fatal("manager is not ready after handshake")
	}
}

func TestManagerHandshake(t *testing.T) {
	f := newFakeStream()
	m := newTestManager(f)
	startReady(t, m, f)

	// Повторный Start в Ready ничего не делает.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
}

func TestManagerDialFailureKillsSpawnedProcess(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper process: %v", err)
	}

	m := NewManager(Options{Name: "llm", StartTimeout: 2 * time.Second})
	m.spawn = func() (*exec.Cmd, error) { return cmd, nil }
	m.dial = func(ctx context.Context) (msgStream, error) { return nil, errors.New("no socket") }

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start must fail when dial fails")
	}
	if m.State() != StateTerminated {
		t.Fatalf("state = %v, want Terminated", m.State())
	}

	// Запущенный процесс должен быть убит, а не осиротеть до конца sleep.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("worker process left running after failed Start")
	}
}

func TestManagerSendBeforeStart(t *testing.T) {
	m := newTestManager(newFakeStream())
	if _, err := m.Send(context.Background(), "ping", nil, nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestManagerSendResult(t *testing.T) {
	f := newFakeStream()
	m := newTestManager(f)
	startReady(t, m, f)

	go func() {
		req := <-f.sentCh
		if req.Op != "ping" {
			t.Errorf("unexpected op %q", req.Op)
		}
		f.respCh <- &Response{Type: TypeResult, ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
	}()

	result, err := m.Send(context.Background(), "ping", nil, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestManagerSendError(t *testing.T) {
	f := newFakeStream()
	m := newTestManager(f)
	startReady(t, m, f)

	go func() {
		req := <-f.sentCh
		f.respCh <- &Response{Type: TypeError, ID: req.ID, Error: "model not loaded"}
	}()

	if _, err := m.Send(context.Background(), "generate", nil, nil); err == nil || err.Error() != "model not loaded" {
		t.Fatalf("expected worker error, got %v", err)
	}
	// Канал жив, следующий запрос проходит.
	if !m.Ready() {
		t.Fatal("manager must stay ready after a request error")
	}
}

func TestManagerChunksBeforeResult(t *testing.T) {
	f := newFakeStream()
	m := newTestManager(f)
	startReady(t, m, f)

	go func() {
		req := <-f.sentCh
		f.respCh <- &Response{Type: TypeChunk, ID: req.ID, Chunk: "при"}
		f.respCh <- &Response{Type: TypeChunk, ID: req.ID, Chunk: "вет"}
		f.respCh <- &Response{Type: TypeResult, ID: req.ID, Result: json.RawMessage(`{"text":"привет"}`)}
	}()

	var chunks []string
	var chunksMu sync.Mutex
	result, err := m.Send(context.Background(), "generate_stream", nil, func(c string) {
		chunksMu.Lock()
		chunks = append(chunks, c)
		chunksMu.Unlock()
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	chunksMu.Lock()
	defer chunksMu.Unlock()
	if len(chunks) != 2 || chunks[0] != "при" || chunks[1] != "вет" {
		t.Fatalf("chunks arrived out of order: %v", chunks)
	}
	if string(result) != `{"text":"привет"}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestManagerUnknownIDDropped(t *testing.T) {
	f := newFakeStream()
	m := newTestManager(f)
	startReady(t, m, f)

	go func() {
		req := <-f.sentCh
		// Ответы на чужой ID должны быть отброшены без последствий.
		f.respCh <- &Response{Type: TypeResult, ID: "llm-999", Result: json.RawMessage(`{}`)}
		f.respCh <- &Response{Type: TypeChunk, ID: "llm-999", Chunk: "мусор"}
		f.respCh <- &Response{Type: TypeResult, ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
	}()

	result, err := m.Send(context.Background(), "ping", nil, func(string) {
		t.Error("chunk callback fired for a foreign request")
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestManagerStreamFailureRejectsPending(t *testing.T) {
	f := newFakeStream()
	m := newTestManager(f)
	startReady(t, m, f)

	go func() {
		<-f.sentCh
		f.errCh <- errors.New("broken pipe")
	}()

	if _, err := m.Send(context.Background(), "generate", nil, nil); err == nil {
		t.Fatal("expected error after stream failure")
	}
	if m.State() != StateTerminated {
		t.Fatalf("expected Terminated, got %v", m.State())
	}
	if _, err := m.Send(context.Background(), "ping", nil, nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after termination, got %v", err)
	}
}

func TestManagerAbandonedRequestHoldsSlot(t *testing.T) {
	f := newFakeStream()
	m := newTestManager(f)
	startReady(t, m, f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.sentCh
		cancel() // бросаем запрос, не отвечая
	}()
	if _, err := m.Send(ctx, "generate", nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Слот занят до терминального ответа воркера: второй запрос не должен
	// уйти в поток раньше него.
	secondSent := make(chan struct{})
	go func() {
		req := <-f.sentCh
		close(secondSent)
		f.respCh <- &Response{Type: TypeResult, ID: req.ID, Result: json.RawMessage(`{}`)}
	}()

	sendDone := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "ping", nil, nil)
		sendDone <- err
	}()

	select {
	case <-secondSent:
		t.Fatal("second request sent while the first is still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	// Терминальный ответ первого запроса освобождает слот.
	f.mu.Lock()
	firstID := f.sent[0].ID
	f.mu.Unlock()
	f.respCh <- &Response{Type: TypeResult, ID: firstID, Result: json.RawMessage(`{}`)}

	if err := <-sendDone; err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
}

func TestManagerStopRejectsAndTerminates(t *testing.T) {
	f := newFakeStream()
	m := newTestManager(f)
	startReady(t, m, f)

	m.Stop()
	if m.State() != StateTerminated {
		t.Fatalf("expected Terminated, got %v", m.State())
	}
	if _, err := m.Send(context.Background(), "ping", nil, nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}
