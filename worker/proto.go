// Package worker реализует канал управления воркер-процессом инференса:
// корреляцию запросов, демультиплексирование ответов и жизненный цикл процесса.
package worker

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Request исходящее сообщение воркеру.
type Request struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Типы входящих сообщений от воркера.
const (
	TypeReady  = "ready"  // воркер завершил запуск и готов принимать запросы
	TypeResult = "result" // терминальный успешный ответ
	TypeError  = "error"  // терминальная ошибка запроса
	TypeChunk  = "chunk"  // промежуточный фрагмент стриминга, не терминальный
)

// Response входящее сообщение от воркера.
type Response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Chunk  string          `json:"chunk,omitempty"`
}

// jsonCodec позволяет использовать gRPC с JSON-пейлоадом вместо protobuf,
// чтобы не генерировать кодеки для простых структур Request/Response.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// WorkerServer описывает bidirectional stream между супервизором и воркером.
type WorkerServer interface {
	Stream(Worker_StreamServer) error
}

type Worker_StreamServer interface {
	Send(*Response) error
	Recv() (*Request, error)
	grpc.ServerStream
}

type workerStreamServer struct {
	grpc.ServerStream
}

func (x *workerStreamServer) Send(m *Response) error {
	return x.ServerStream.SendMsg(m)
}

func (x *workerStreamServer) Recv() (*Request, error) {
	m := new(Request)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Worker_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(WorkerServer).Stream(&workerStreamServer{stream})
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: "lectern.Worker",
	HandlerType: (*WorkerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _Worker_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "worker/proto.go",
}

// RegisterWorkerServer регистрирует реализацию потока на gRPC сервере.
func RegisterWorkerServer(s *grpc.Server, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}
