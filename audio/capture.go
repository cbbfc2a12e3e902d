// Package audio захватывает звук с микрофона для записи лекций.
package audio

import (
	"fmt"
	"log"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// Device аудио устройство для UI.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

// Capture захват микрофона: моно float32, 16 кГц — сразу в формате
// распознавания, без ресемплинга.
type Capture struct {
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	deviceID *malgo.DeviceID

	dataChan chan []float32
	mu       sync.Mutex
	running  bool
}

// NewCapture создаёт контекст захвата.
func NewCapture() (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &Capture{
		ctx:      ctx,
		dataChan: make(chan []float32, 256),
	}, nil
}

// ListDevices возвращает доступные устройства захвата.
func (c *Capture) ListDevices() ([]Device, error) {
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:      deviceIDToString(info.ID),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// SetDevice выбирает устройство по ID из ListDevices. Пустой ID — дефолтное.
func (c *Capture) SetDevice(id string) error {
	if id == "" {
		c.deviceID = nil
		return nil
	}
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if deviceIDToString(info.ID) == id {
			devID := info.ID
			c.deviceID = &devID
			return nil
		}
	}
	return fmt.Errorf("capture device not found: %s", id)
}

// Start запускает захват. Сэмплы приходят в Data().
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = 16000
	deviceConfig.Alsa.NoMMap = 1
	if c.deviceID != nil {
		deviceConfig.Capture.DeviceID = c.deviceID.Pointer()
	}

	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		sampleCount := int(framecount)
		if len(pInputSamples) != sampleCount*4 {
			return
		}
		samples := make([]float32, sampleCount)
		for i := 0; i < sampleCount; i++ {
			bits := uint32(pInputSamples[i*4]) | uint32(pInputSamples[i*4+1])<<8 |
				uint32(pInputSamples[i*4+2])<<16 | uint32(pInputSamples[i*4+3])<<24
			samples[i] = math.Float32frombits(bits)
		}
		select {
		case c.dataChan <- samples:
		default:
			// Потребитель не успевает: теряем фрейм, но не блокируем
			// аудио-поток операционной системы.
			log.Printf("Capture: dropping %d samples, consumer is slow", sampleCount)
		}
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return fmt.Errorf("failed to init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	c.device = device
	c.running = true
	log.Println("Microphone capture started")
	return nil
}

// Data канал сэмплов захвата.
func (c *Capture) Data() <-chan []float32 {
	return c.dataChan
}

// Stop останавливает захват. Идемпотентен.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.running = false
	log.Println("Microphone capture stopped")
}

// Close освобождает ресурсы.
func (c *Capture) Close() {
	c.Stop()
	if c.ctx != nil {
		c.ctx.Uninit()
		c.ctx.Free()
	}
}

func deviceIDToString(id malgo.DeviceID) string {
	var result strings.Builder
	for _, b := range id[:32] {
		if b == 0 {
			break
		}
		result.WriteByte(b)
	}
	return result.String()
}
