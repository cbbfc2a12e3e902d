package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// State состояние воркер-процесса с точки зрения менеджера.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ErrNotReady возвращается из Send до завершения рукопожатия или после
// завершения воркера.
var ErrNotReady = errors.New("worker is not ready")

// Options параметры запуска воркера.
type Options struct {
	Name         string // имя воркера, префикс корреляционных ID ("llm", "stt")
	BinPath      string // путь к бинарю воркера
	Addr         string // unix:/путь или npipe:\\.\pipe\имя
	Family       string // семейство моделей, передаётся воркеру флагом
	ExtraArgs    []string
	StartTimeout time.Duration
}

// msgStream двунаправленный поток сообщений к воркеру. Абстракция над
// gRPC-стримом, чтобы тесты могли подставить свою реализацию.
type msgStream interface {
	Send(*Request) error
	Recv() (*Response, error)
	Close() error
}

type grpcStream struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (g *grpcStream) Send(r *Request) error {
	return g.stream.SendMsg(r)
}

func (g *grpcStream) Recv() (*Response, error) {
	m := new(Response)
	if err := g.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (g *grpcStream) Close() error {
	g.cancel()
	return g.conn.Close()
}

// outcome терминальный исход одного запроса.
type outcome struct {
	result json.RawMessage
	err    error
}

type pending struct {
	done    chan outcome
	onChunk func(string)
}

// Manager супервизор одного воркер-процесса: запуск, рукопожатие ready,
// корреляция запросов и ответов, сериализация (один запрос за раз) и
// отбраковка всех ожидающих запросов при падении процесса.
type Manager struct {
	opts Options

	mu      sync.Mutex
	state   State
	readyCh chan struct{}
	stream  msgStream
	cmd     *exec.Cmd

	pmu     sync.Mutex
	pending map[string]*pending

	seq      atomic.Uint64
	inflight chan struct{}

	// Подменяются в тестах.
	spawn func() (*exec.Cmd, error)
	dial  func(ctx context.Context) (msgStream, error)
}

// NewManager создаёт менеджер воркера. Процесс не запускается до Start.
func NewManager(opts Options) *Manager {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	m := &Manager{
		opts:     opts,
		state:    StateNotStarted,
		pending:  make(map[string]*pending),
		inflight: make(chan struct{}, 1),
	}
	m.spawn = m.spawnProcess
	m.dial = m.dialWorker
	return m
}

// State текущее состояние воркера.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready true после рукопожатия и до завершения процесса.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// Start запускает воркер-процесс и ждёт сообщения ready. Идемпотентен:
// повторный вызов в состоянии Ready сразу возвращает nil, параллельный
// вызов во время запуска ждёт того же рукопожатия. После Terminated
// запускает процесс заново.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateStarting:
		ch := m.readyCh
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		if m.State() != StateReady {
			return fmt.Errorf("worker %s failed to start", m.opts.Name)
		}
		return nil
	}
	m.state = StateStarting
	m.readyCh = make(chan struct{})
	readyCh := m.readyCh
	m.mu.Unlock()

	cmd, err := m.spawn()
	if err != nil {
		m.fail(fmt.Errorf("spawn worker %s: %w", m.opts.Name, err))
		return fmt.Errorf("spawn worker %s: %w", m.opts.Name, err)
	}
	// Процесс записывается до dial: иначе неудачное подключение оставит
	// уже запущенный воркер без присмотра.
	m.mu.Lock()
	m.cmd = cmd
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.StartTimeout)
	defer cancel()
	stream, err := m.dial(dialCtx)
	if err != nil {
		m.fail(fmt.Errorf("dial worker %s: %w", m.opts.Name, err))
		return fmt.Errorf("dial worker %s: %w", m.opts.Name, err)
	}

	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()

	go m.readLoop(stream)
	if cmd != nil {
		go func() {
			err := cmd.Wait()
			m.fail(fmt.Errorf("worker %s exited: %v", m.opts.Name, err))
		}()
	}

	select {
	case <-readyCh:
	case <-time.After(m.opts.StartTimeout):
		m.fail(fmt.Errorf("worker %s: ready timeout", m.opts.Name))
		return fmt.Errorf("worker %s: ready timeout", m.opts.Name)
	case <-ctx.Done():
		m.fail(ctx.Err())
		return ctx.Err()
	}
	if m.State() != StateReady {
		return fmt.Errorf("worker %s failed to start", m.opts.Name)
	}
	log.Printf("Worker %s is ready", m.opts.Name)
	return nil
}

// Send отправляет запрос воркеру и ждёт терминального ответа. Одновременно
// выполняется не больше одного запроса: нативный контекст модели
// нереентерабелен. onChunk вызывается для каждого промежуточного фрагмента
// в порядке получения, строго до терминального ответа.
func (m *Manager) Send(ctx context.Context, op string, payload any, onChunk func(string)) (json.RawMessage, error) {
	if !m.Ready() {
		return nil, ErrNotReady
	}

	select {
	case m.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			<-m.inflight
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	id := fmt.Sprintf("%s-%d", m.opts.Name, m.seq.Add(1))
	p := &pending{done: make(chan outcome, 1), onChunk: onChunk}
	m.pmu.Lock()
	m.pending[id] = p
	m.pmu.Unlock()

	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		m.removePending(id)
		<-m.inflight
		return nil, ErrNotReady
	}
	if err := stream.Send(&Request{ID: id, Op: op, Payload: raw}); err != nil {
		m.removePending(id)
		<-m.inflight
		m.fail(fmt.Errorf("send to worker %s: %w", m.opts.Name, err))
		return nil, fmt.Errorf("send to worker %s: %w", m.opts.Name, err)
	}

	select {
	case out := <-p.done:
		<-m.inflight
		return out.result, out.err
	case <-ctx.Done():
		// Воркер всё ещё занят этим запросом: слот освобождаем только
		// после его терминального ответа, чтобы не отправлять параллельно.
		go func() {
			<-p.done
			<-m.inflight
		}()
		log.Printf("Worker %s: request %s abandoned: %v", m.opts.Name, id, ctx.Err())
		return nil, ctx.Err()
	}
}

// Stop завершает воркер-процесс. Все ожидающие запросы отклоняются.
func (m *Manager) Stop() {
	m.fail(fmt.Errorf("worker %s stopped", m.opts.Name))
}

// readLoop демультиплексирует входящие сообщения по типу и корреляционному ID.
func (m *Manager) readLoop(stream msgStream) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			m.fail(fmt.Errorf("worker %s stream: %w", m.opts.Name, err))
			return
		}
		switch resp.Type {
		case TypeReady:
			m.mu.Lock()
			if m.state == StateStarting {
				m.state = StateReady
				close(m.readyCh)
			}
			m.mu.Unlock()
		case TypeChunk:
			m.pmu.Lock()
			p := m.pending[resp.ID]
			m.pmu.Unlock()
			if p == nil {
				log.Printf("Worker %s: chunk for unknown request %s, dropped", m.opts.Name, resp.ID)
				continue
			}
			if p.onChunk != nil {
				p.onChunk(resp.Chunk)
			}
		case TypeResult:
			p := m.takePending(resp.ID)
			if p == nil {
				log.Printf("Worker %s: result for unknown request %s, dropped", m.opts.Name, resp.ID)
				continue
			}
			p.done <- outcome{result: resp.Result}
		case TypeError:
			p := m.takePending(resp.ID)
			if p == nil {
				log.Printf("Worker %s: error for unknown request %s, dropped", m.opts.Name, resp.ID)
				continue
			}
			p.done <- outcome{err: errors.New(resp.Error)}
		default:
			log.Printf("Worker %s: unknown message type %q, dropped", m.opts.Name, resp.Type)
		}
	}
}

// fail переводит менеджер в Terminated, отклоняет все ожидающие запросы
// и освобождает ресурсы процесса. Повторные вызовы игнорируются.
func (m *Manager) fail(cause error) {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return
	}
	wasStarting := m.state == StateStarting
	m.state = StateTerminated
	stream := m.stream
	cmd := m.cmd
	m.stream = nil
	m.cmd = nil
	if wasStarting && m.readyCh != nil {
		close(m.readyCh)
	}
	m.mu.Unlock()

	m.pmu.Lock()
	rejected := m.pending
	m.pending = make(map[string]*pending)
	m.pmu.Unlock()
	for id, p := range rejected {
		p.done <- outcome{err: fmt.Errorf("worker %s terminated: %w", m.opts.Name, cause)}
		log.Printf("Worker %s: rejected pending request %s", m.opts.Name, id)
	}

	if stream != nil {
		stream.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	log.Printf("Worker %s terminated: %v", m.opts.Name, cause)
}

func (m *Manager) takePending(id string) *pending {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	p := m.pending[id]
	delete(m.pending, id)
	return p
}

func (m *Manager) removePending(id string) {
	m.pmu.Lock()
	delete(m.pending, id)
	m.pmu.Unlock()
}

func (m *Manager) spawnProcess() (*exec.Cmd, error) {
	if _, err := os.Stat(m.opts.BinPath); err != nil {
		return nil, fmt.Errorf("worker binary: %w", err)
	}
	args := append([]string{"-addr", m.opts.Addr, "-family", m.opts.Family}, m.opts.ExtraArgs...)
	cmd := exec.Command(m.opts.BinPath, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Printf("Worker %s started: pid=%d addr=%s", m.opts.Name, cmd.Process.Pid, m.opts.Addr)
	return cmd, nil
}

// dialWorker подключается к сокету воркера. Сокет появляется только после
// старта процесса, поэтому ждём его с небольшим опросом.
func (m *Manager) dialWorker(ctx context.Context) (msgStream, error) {
	if path, ok := strings.CutPrefix(m.opts.Addr, "unix:"); ok {
		path = strings.TrimPrefix(path, "//")
		for {
			if _, err := os.Stat(path); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("worker socket %s: %w", path, ctx.Err())
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	conn, err := grpc.NewClient("passthrough:///worker",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return dialAddr(ctx, m.opts.Addr)
		}),
	)
	if err != nil {
		return nil, err
	}
	// Поток живёт дольше таймаута запуска, поэтому у него свой контекст.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &workerServiceDesc.Streams[0], "/lectern.Worker/Stream")
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	return &grpcStream{conn: conn, stream: stream, cancel: cancel}, nil
}

func removeIfExists(path string) {
	if _, err := os.Stat(path); err == nil {
		os.Remove(path)
	}
}
