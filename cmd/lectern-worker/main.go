// lectern-worker — воркер-процесс инференса. Запускается супервизором,
// поднимает gRPC-поток на локальном сокете и владеет нативной моделью
// своего семейства. Падение нативной библиотеки роняет только этот процесс.
package main

import (
	"flag"
	"log"

	"lectern/worker"
)

func main() {
	addr := flag.String("addr", "", "Control socket address (unix:/path or npipe:name)")
	family := flag.String("family", "", "Model family: text-generation or speech-to-text")
	llamaBin := flag.String("llama", "", "Path to llama-server binary (default: from PATH)")
	flag.Parse()

	if *addr == "" || *family == "" {
		log.Fatal("both -addr and -family are required")
	}

	log.Printf("lectern-worker starting: family=%s addr=%s", *family, *addr)
	handler := worker.NewInferenceHandler(*family, *llamaBin)
	if err := worker.Serve(*addr, handler); err != nil {
		log.Fatalf("worker stopped: %v", err)
	}
}
