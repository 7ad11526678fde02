package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	logFile *os.File
	debug   bool
	mu      sync.Mutex
)

// Init sets up dual logging to stdout and a log file. An empty path
// leaves the default stdout-only logger in place.
func Init(path string, debugEnabled bool) {
	mu.Lock()
	defer mu.Unlock()
	debug = debugEnabled
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Printf("logging to file: %s", path)
}

// Debugf logs only when debug logging was enabled at Init.
func Debugf(format string, args ...any) {
	mu.Lock()
	on := debug
	mu.Unlock()
	if on {
		log.Printf("[debug] "+format, args...)
	}
}

// ReadTail returns the last n lines from the log file at path.
func ReadTail(path string, n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Close releases the log file if one was opened.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		log.SetOutput(os.Stdout)
		logFile.Close()
		logFile = nil
	}
}
