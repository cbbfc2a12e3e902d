package worker

import (
	"encoding/json"
	"log"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Handler обрабатывает одну операцию воркера. emit отправляет промежуточный
// фрагмент стриминга; терминальный результат возвращается из Handle.
type Handler interface {
	Handle(op string, payload json.RawMessage, emit func(chunk string)) (any, error)
}

// Loop серверная сторона управляющего потока: отправляет ready и затем
// обрабатывает запросы строго по одному, в порядке поступления.
type Loop struct {
	handler Handler
}

func NewLoop(h Handler) *Loop {
	return &Loop{handler: h}
}

func (l *Loop) Stream(stream Worker_StreamServer) error {
	var sendMu sync.Mutex
	send := func(r *Response) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.Send(r)
	}

	if err := send(&Response{Type: TypeReady}); err != nil {
		return err
	}
	log.Printf("Worker loop: ready sent")

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		// Нативный контекст модели один, поэтому никакого параллелизма:
		// каждый запрос дорабатывается до терминального ответа.
		result, herr := l.handler.Handle(req.Op, req.Payload, func(chunk string) {
			if err := send(&Response{Type: TypeChunk, ID: req.ID, Chunk: chunk}); err != nil {
				log.Printf("Worker loop: send chunk for %s: %v", req.ID, err)
			}
		})
		if herr != nil {
			if err := send(&Response{Type: TypeError, ID: req.ID, Error: herr.Error()}); err != nil {
				return err
			}
			continue
		}
		raw, err := json.Marshal(result)
		if err != nil {
			if serr := send(&Response{Type: TypeError, ID: req.ID, Error: err.Error()}); serr != nil {
				return serr
			}
			continue
		}
		if err := send(&Response{Type: TypeResult, ID: req.ID, Result: raw}); err != nil {
			return err
		}
	}
}

// Serve поднимает gRPC сервер воркера на addr и блокируется до его остановки.
func Serve(addr string, h Handler) error {
	lis, err := listenAddr(addr)
	if err != nil {
		return err
	}
	server := grpc.NewServer(
		grpc.Creds(insecure.NewCredentials()),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	RegisterWorkerServer(server, NewLoop(h))
	log.Printf("Worker listening on %s", addr)
	return server.Serve(lis)
}
