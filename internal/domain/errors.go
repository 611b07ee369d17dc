package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass определяет реакцию движка на ошибку.
type ErrorClass string

const (
	// Фатальные классы: запуск прерывается до сканирования.
	ClassConfig    ErrorClass = "config"
	ClassStoreConn ErrorClass = "store_conn"

	// Восстановимые классы: обрабатываются в пределах сообщения или чата.
	ClassStoreWrite  ErrorClass = "store_write"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassPermission  ErrorClass = "permission"
	ClassNotFound    ErrorClass = "not_found"
	ClassTransient   ErrorClass = "transient"
	ClassUnknown     ErrorClass = "unknown"
)

// Classified оборачивает причину с присвоенным классом.
// RetryAfter заполняется только для ClassRateLimited.
type Classified struct {
	Class      ErrorClass
	RetryAfter time.Duration
	Err        error
}

func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Class, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// NewClassified присваивает ошибке класс.
func NewClassified(class ErrorClass, err error) *Classified {
	return &Classified{Class: class, Err: err}
}

// NewRateLimited помечает ошибку лимитом API с паузой до повтора.
func NewRateLimited(err error, retryAfter time.Duration) *Classified {
	return &Classified{Class: ClassRateLimited, RetryAfter: retryAfter, Err: err}
}

// ConfigError помечает ошибку конфигурации (фатальна до сканирования).
func ConfigError(format string, args ...any) error {
	return NewClassified(ClassConfig, fmt.Errorf(format, args...))
}

// ClassOf извлекает класс ошибки; необёрнутые ошибки считаются unknown.
func ClassOf(err error) ErrorClass {
	var classified *Classified
	if errors.As(err, &classified) {
		return classified.Class
	}
	return ClassUnknown
}

// RetryAfterOf возвращает паузу до повтора для rate-limit ошибок.
func RetryAfterOf(err error) time.Duration {
	var classified *Classified
	if errors.As(err, &classified) && classified.Class == ClassRateLimited {
		return classified.RetryAfter
	}
	return 0
}

// IsFatal сообщает, должен ли запуск завершиться немедленно.
func IsFatal(err error) bool {
	switch ClassOf(err) {
	case ClassConfig, ClassStoreConn:
		return true
	}
	return false
}
