// Package logger: асинхронное логирование с префиксом сервиса и уровнями.
// Запись идёт через буферизованный канал, чтобы горячий путь (append, fan-out) не ждал stdout.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	asyncBufferSize = 8192
	slowCall        = 100 * time.Millisecond
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	prefix  atomic.Value // string
	level   atomic.Int32
	ch      chan string
	once    sync.Once
	dropped atomic.Int64
)

func init() {
	prefix.Store("")
	level.Store(int32(ParseLevel(os.Getenv("LOG_LEVEL"))))
}

// ParseLevel переводит строку из конфига в уровень. Неизвестное значение: info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel меняет уровень во время работы (например после загрузки YAML).
func SetLevel(l Level) { level.Store(int32(l)) }

// SetPrefix задаёт префикс для всех последующих логов (например "api").
func SetPrefix(p string) { prefix.Store(p) }

// Dropped: сколько строк потеряно из-за переполнения буфера.
func Dropped() int64 { return dropped.Load() }

func startWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(l Level, tagText, msg string) {
	if Level(level.Load()) > l {
		return
	}
	write(tag() + tagText + msg)
}

func write(line string) {
	once.Do(startWorker)
	select {
	case ch <- line:
	default:
		// Буфер полон: не блокируем вызывающего, строку теряем
		dropped.Add(1)
	}
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

func Debugf(format string, v ...any) { enqueue(LevelDebug, "DEBUG: ", fmt.Sprintf(format, v...)) }

func Info(v ...any) { enqueue(LevelInfo, "", fmt.Sprint(v...)) }

func Infof(format string, v ...any) { enqueue(LevelInfo, "", fmt.Sprintf(format, v...)) }

func Warnf(format string, v ...any) { enqueue(LevelWarn, "WARN: ", fmt.Sprintf(format, v...)) }

func Error(v ...any) { enqueue(LevelError, "ERROR: ", fmt.Sprint(v...)) }

func Errorf(format string, v ...any) { enqueue(LevelError, "ERROR: ", fmt.Sprintf(format, v...)) }

// LogDuration логирует имя операции и время выполнения.
// На уровне info пишутся только вызовы дольше 100ms, на debug: все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if Level(level.Load()) == LevelDebug || elapsed >= slowCall {
		write(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration: defer logger.DeferLogDuration("msg.Append", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
