package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// MP3Reader читает MP3 записи лекций для повторной транскрипции.
type MP3Reader struct {
	decoder    *mp3.Decoder
	file       *os.File
	sampleRate int
	length     int64 // длина PCM в байтах (16-bit stereo)
}

// NewMP3Reader открывает MP3 файл.
func NewMP3Reader(filePath string) (*MP3Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	decoder, err := mp3.NewDecoder(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}
	return &MP3Reader{
		decoder:    decoder,
		file:       file,
		sampleRate: decoder.SampleRate(),
		length:     decoder.Length(),
	}, nil
}

// SampleRate частота дискретизации файла.
func (r *MP3Reader) SampleRate() int {
	return r.sampleRate
}

// Duration длительность в секундах.
func (r *MP3Reader) Duration() float64 {
	// go-mp3 декодирует в 16-bit стерео: 4 байта на фрейм.
	return float64(r.length/4) / float64(r.sampleRate)
}

// ReadAllMono читает весь файл в моно float32 (среднее каналов).
func (r *MP3Reader) ReadAllMono() ([]float32, error) {
	pcmData := make([]byte, r.length)
	n, err := io.ReadFull(r.decoder, pcmData)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read PCM data: %w", err)
	}
	pcmData = pcmData[:n]

	numSamples := n / 4
	mono := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		left := int16(binary.LittleEndian.Uint16(pcmData[i*4:]))
		right := int16(binary.LittleEndian.Uint16(pcmData[i*4+2:]))
		mono[i] = (float32(left) + float32(right)) / 2.0 / 32768.0
	}
	return mono, nil
}

// ReadAllMono16k читает файл в моно 16 кГц — формат распознавания.
func (r *MP3Reader) ReadAllMono16k() ([]float32, error) {
	mono, err := r.ReadAllMono()
	if err != nil {
		return nil, err
	}
	return ResampleLinear(mono, r.sampleRate, SampleRate), nil
}

// Close закрывает файл.
func (r *MP3Reader) Close() error {
	return r.file.Close()
}
