package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Ошибки скачивания.
var (
	// ErrTooManyRedirects сервер увёл дальше лимита переадресаций.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrIncompleteDownload получено заметно меньше байт, чем обещал Content-Length.
	ErrIncompleteDownload = errors.New("incomplete download")
	// ErrChecksumMismatch файл скачан целиком, но SHA-256 не совпал.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrCancelled скачивание отменено пользователем. Штатный исход, не сбой.
	ErrCancelled = errors.New("download cancelled")
)

const (
	maxRedirects = 10
	maxAttempts  = 3
	baseDelay    = 2 * time.Second
)

// sleepFn подменяется в тестах, чтобы не ждать реальные паузы ретраев.
var sleepFn = time.Sleep

// ProgressFunc отчёт о прогрессе в байтах. total равен 0, когда сервер не
// сообщил Content-Length.
type ProgressFunc func(downloaded, total int64)

// httpStatusError не-200 ответ сервера. Не ретраится: повторный запрос
// вернёт тот же статус.
type httpStatusError struct {
	code   int
	status string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("bad status: %s", e.status)
}

// isTransient определяет, имеет ли смысл повторить попытку: обрывы
// соединения, таймауты, сбои DNS и недокачанные ответы — да; ошибки
// HTTP-статуса и переадресаций — нет.
func isTransient(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return false
	}
	if errors.Is(err, ErrTooManyRedirects) || errors.Is(err, ErrChecksumMismatch) {
		return false
	}
	if errors.Is(err, ErrIncompleteDownload) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return false
}

// DownloadFile скачивает файл во временный .tmp рядом с destPath и атомарно
// переименовывает его по завершении. Транзиентные сбои повторяются до
// maxAttempts раз с экспоненциальной паузой, частичный файл перед каждым
// повтором удаляется: докачка по Range ломается на переадресациях CDN.
// Непустой expectedSHA включает потоковую проверку SHA-256.
func DownloadFile(ctx context.Context, url, destPath, expectedSHA string, onProgress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpPath := destPath + ".tmp"

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			log.Printf("Retrying download (%d/%d) in %s: %s", attempt+1, maxAttempts, delay, url)
			sleepFn(delay)
		}
		os.Remove(tmpPath)

		err := downloadOnce(ctx, url, tmpPath, expectedSHA, onProgress)
		if err == nil {
			if err := os.Rename(tmpPath, destPath); err != nil {
				os.Remove(tmpPath)
				return fmt.Errorf("failed to rename file: %w", err)
			}
			return nil
		}

		if ctx.Err() != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("%w: %s", ErrCancelled, url)
		}
		if !isTransient(err) {
			os.Remove(tmpPath)
			return err
		}
		lastErr = err
	}

	os.Remove(tmpPath)
	return fmt.Errorf("download failed after %d attempts: %w", maxAttempts, lastErr)
}

// downloadOnce одна попытка скачивания в tmpPath.
func downloadOnce(ctx context.Context, url, tmpPath, expectedSHA string, onProgress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 0, // без таймаута: файлы моделей большие
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		// Ошибка CheckRedirect приходит завёрнутой в *url.Error.
		if errors.Is(err, ErrTooManyRedirects) {
			return fmt.Errorf("%w: %s", ErrTooManyRedirects, url)
		}
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{code: resp.StatusCode, status: resp.Status}
	}

	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	totalSize := resp.ContentLength
	if totalSize < 0 {
		totalSize = 0
	}

	hasher := sha256.New()
	reader := &progressReader{
		reader:     resp.Body,
		totalSize:  totalSize,
		onProgress: onProgress,
	}

	written, err := io.Copy(io.MultiWriter(out, hasher), reader)
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	// Сервер может оборвать тело без ошибки чтения. Расхождение больше 1%
	// от заявленного размера считаем недокачкой.
	if totalSize > 0 {
		diff := totalSize - written
		if diff < 0 {
			diff = -diff
		}
		if diff > totalSize/100 {
			return fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteDownload, written, totalSize)
		}
	}

	if expectedSHA != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, expectedSHA) {
			return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expectedSHA, actual)
		}
	}

	if onProgress != nil {
		onProgress(written, totalSize)
	}
	return nil
}

// progressReader обёртка io.Reader с дросселированием отчётов о прогрессе.
type progressReader struct {
	reader       io.Reader
	totalSize    int64
	downloaded   int64
	onProgress   ProgressFunc
	lastReport   time.Time
	reportPeriod time.Duration
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)

		now := time.Now()
		if pr.reportPeriod == 0 {
			pr.reportPeriod = 500 * time.Millisecond
		}
		if pr.onProgress != nil && (now.Sub(pr.lastReport) >= pr.reportPeriod || err == io.EOF) {
			pr.lastReport = now
			pr.onProgress(pr.downloaded, pr.totalSize)
		}
	}
	return n, err
}
