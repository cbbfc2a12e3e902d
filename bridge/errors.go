// Package bridge связывает приложение с локальными моделями: воркер-процесс
// как основной путь, in-process рантайм как запасной и детерминированные
// заготовленные ответы, когда модели нет вообще.
package bridge

import "errors"

var (
	// ErrModelNotFound файл модели отсутствует на диске.
	ErrModelNotFound = errors.New("model file not found")
	// ErrModelTooSmall файл модели меньше правдоподобного минимума:
	// скорее всего недокачан или повреждён.
	ErrModelTooSmall = errors.New("model file is too small")
)
