package session

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// WAVWriter потоковый писатель WAV файлов (PCM16).
type WAVWriter struct {
	file           *os.File
	filePath       string
	sampleRate     int
	channels       int
	bitsPerSample  int
	samplesWritten int64
	mu             sync.Mutex
}

// NewWAVWriter создаёт WAV writer и пишет предварительный заголовок.
func NewWAVWriter(filePath string, sampleRate, channels, bitsPerSample int) (*WAVWriter, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	w := &WAVWriter{
		file:          file,
		filePath:      filePath,
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: bitsPerSample,
	}
	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAVWriter) writeHeader() error {
	w.file.Seek(0, 0)

	byteRate := w.sampleRate * w.channels * w.bitsPerSample / 8
	blockAlign := w.channels * w.bitsPerSample / 8
	dataSize := uint32(w.samplesWritten * int64(w.bitsPerSample/8))

	w.file.WriteString("RIFF")
	binary.Write(w.file, binary.LittleEndian, uint32(36+dataSize))
	w.file.WriteString("WAVE")

	w.file.WriteString("fmt ")
	binary.Write(w.file, binary.LittleEndian, uint32(16))
	binary.Write(w.file, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w.file, binary.LittleEndian, uint16(w.channels))
	binary.Write(w.file, binary.LittleEndian, uint32(w.sampleRate))
	binary.Write(w.file, binary.LittleEndian, uint32(byteRate))
	binary.Write(w.file, binary.LittleEndian, uint16(blockAlign))
	binary.Write(w.file, binary.LittleEndian, uint16(w.bitsPerSample))

	w.file.WriteString("data")
	binary.Write(w.file, binary.LittleEndian, dataSize)
	return nil
}

// Write записывает float32 сэмплы, конвертируя в PCM16 с клампингом.
func (w *WAVWriter) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	w.samplesWritten += int64(len(samples))
	return nil
}

// SamplesWritten количество записанных сэмплов.
func (w *WAVWriter) SamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samplesWritten
}

// Close дописывает заголовок с реальным размером и закрывает файл.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeHeader(); err != nil {
		return err
	}
	return w.file.Close()
}

// FilePath путь к файлу.
func (w *WAVWriter) FilePath() string {
	return w.filePath
}

// WriteWAVFile записывает сэмплы в WAV одним вызовом.
func WriteWAVFile(filePath string, samples []float32, sampleRate int) error {
	w, err := NewWAVWriter(filePath, sampleRate, 1, 16)
	if err != nil {
		return err
	}
	if err := w.Write(samples); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ReadWAVFile читает моно PCM16 WAV и возвращает float32 сэмплы и частоту.
// Многоканальные файлы сводятся в моно усреднением.
func ReadWAVFile(filePath string) ([]float32, int, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV file: %w", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a WAV file: %s", filePath)
	}

	var sampleRate int
	var channels, bitsPerSample int
	var pcm []byte

	// Идём по чанкам: после fmt могут быть LIST/INFO и прочие.
	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkSize > len(data) {
			chunkSize = len(data) - body
		}
		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 {
				channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
				sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
				bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			}
		case "data":
			pcm = data[body : body+chunkSize]
		}
		pos = body + chunkSize
		if chunkSize%2 == 1 {
			pos++
		}
	}

	if sampleRate == 0 || pcm == nil {
		return nil, 0, fmt.Errorf("malformed WAV file: %s", filePath)
	}
	if bitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported WAV format: %d bits", bitsPerSample)
	}
	if channels <= 0 {
		channels = 1
	}

	frames := len(pcm) / 2 / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:]))
			sum += float32(v) / 32768.0
		}
		samples[i] = sum / float32(channels)
	}
	return samples, sampleRate, nil
}

// ResampleLinear линейная интерполяция для смены частоты дискретизации.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(srcRate) / float64(dstRate)
	newLen := int(float64(len(samples)) / ratio)
	resampled := make([]float32, newLen)
	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))
		if idx+1 < len(samples) {
			resampled[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		} else {
			resampled[i] = samples[len(samples)-1]
		}
	}
	return resampled
}
