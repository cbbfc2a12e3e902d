package config

import (
	"flag"
	"os"
	"path/filepath"
	"runtime"
)

type Config struct {
	DataDir   string
	ModelsDir string
	Port      string

	// Пути бинарей. Пустой WorkerBin — ищем lectern-worker рядом с
	// исполняемым файлом; пустой LlamaBin — llama-server из PATH.
	WorkerBin string
	LlamaBin  string

	// Язык распознавания по умолчанию.
	Language string
}

func Load() *Config {
	dataDir := flag.String("data", "data/sessions", "Directory for session data")
	modelsDir := flag.String("models", "", "Directory for downloaded models (default: dataDir/../models)")
	port := flag.String("port", "8080", "Server port")
	workerBin := flag.String("worker", "", "Path to lectern-worker binary (default: next to executable)")
	llamaBin := flag.String("llama", "", "Path to llama-server binary (default: from PATH)")
	language := flag.String("lang", "ru", "Default transcription language")
	flag.Parse()

	finalModelsDir := *modelsDir
	if finalModelsDir == "" {
		finalModelsDir = filepath.Join(filepath.Dir(*dataDir), "models")
	}

	finalWorkerBin := *workerBin
	if finalWorkerBin == "" {
		if exe, err := os.Executable(); err == nil {
			name := "lectern-worker"
			if runtime.GOOS == "windows" {
				name += ".exe"
			}
			finalWorkerBin = filepath.Join(filepath.Dir(exe), name)
		}
	}

	return &Config{
		DataDir:   *dataDir,
		ModelsDir: finalModelsDir,
		Port:      *port,
		WorkerBin: finalWorkerBin,
		LlamaBin:  *llamaBin,
		Language:  *language,
	}
}

// WorkerAddr адрес управляющего сокета воркера для семейства моделей.
func WorkerAddr(family string) string {
	if runtime.GOOS == "windows" {
		return `npipe:\\.\pipe\lectern-` + family
	}
	return "unix:" + filepath.Join(os.TempDir(), "lectern-"+family+".sock")
}
