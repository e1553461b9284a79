package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// AppLogger provides logging utilities for the application
// Used by both the server and tests
type AppLogger struct {
	outputDir      string
	logStore       bool
	logWS          bool
	debug          bool
	storeLog       *os.File
	wsLog          *os.File
	mu             sync.Mutex
	wsMessageCount int
}

// Global application logger (used by server)
var appLogger *AppLogger

// dumpDB is the sqlx handle behind the room-state store, registered at
// startup so store dumps can read it directly.
var dumpDB *sqlx.DB

// RegisterStoreDump points store-state dumps at the given database handle.
func RegisterStoreDump(db *sqlx.DB) {
	dumpDB = db
}

// LogConfig holds logging configuration
type LogConfig struct {
	OutputDir string
	LogStore  bool
	LogWS     bool
	Debug     bool
}

// NewAppLogger creates a new application logger
func NewAppLogger(config LogConfig) (*AppLogger, error) {
	al := &AppLogger{
		outputDir: config.OutputDir,
		logStore:  config.LogStore,
		logWS:     config.LogWS,
		debug:     config.Debug,
	}

	if al.outputDir == "" {
		return al, nil // No file logging, just in-memory state
	}

	var err error
	if al.logStore {
		path := fmt.Sprintf("%s/store.log", al.outputDir)
		al.storeLog, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open store log: %w", err)
		}
	}
	if al.logWS {
		path := fmt.Sprintf("%s/websocket.log", al.outputDir)
		al.wsLog, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open WebSocket log: %w", err)
		}
	}

	return al, nil
}

// InitAppLogger initializes the global application logger
func InitAppLogger(config LogConfig) error {
	var err error
	appLogger, err = NewAppLogger(config)
	return err
}

// Close closes all open log files
func (al *AppLogger) Close() {
	if al.storeLog != nil {
		al.storeLog.Close()
	}
	if al.wsLog != nil {
		al.wsLog.Close()
	}
}

// LogWebSocket logs a WebSocket message
func (al *AppLogger) LogWebSocket(direction, playerID, message string) {
	if !al.logWS || al.wsLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.wsMessageCount++
	timestamp := time.Now().Format("15:04:05.000")

	fmt.Fprintf(al.wsLog, "[%s] #%d %s [Player %s]: %s\n",
		timestamp, al.wsMessageCount, direction, playerID, message)
}

// LogStore dumps the current room-state table
func (al *AppLogger) LogStore(context string) {
	if !al.logStore || al.storeLog == nil || dumpDB == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	timestamp := time.Now().Format("15:04:05.000")

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== STORE DUMP [%s] ==========\n", timestamp)
	fmt.Fprintf(&buf, "Context: %s\n\n", context)

	rows, err := dumpDB.Query("SELECT room_id, field, value FROM room_state ORDER BY room_id, field")
	if err != nil {
		fmt.Fprintf(&buf, "Error: %v\n", err)
		al.storeLog.Write(buf.Bytes())
		return
	}
	defer rows.Close()

	rowCount := 0
	for rows.Next() {
		var roomID int64
		var field, value string
		if err := rows.Scan(&roomID, &field, &value); err != nil {
			fmt.Fprintf(&buf, "Error scanning row: %v\n", err)
			continue
		}
		rowCount++
		if len(value) > 500 {
			value = value[:500] + "... (truncated)"
		}
		fmt.Fprintf(&buf, "room %d | %s | %s\n", roomID, field, value)
	}
	if rowCount == 0 {
		fmt.Fprintf(&buf, "(empty)\n")
	}
	buf.WriteString("\n")

	al.storeLog.Write(buf.Bytes())
}

// Debug logs a debug message if debug mode is enabled
func (al *AppLogger) Debug(format string, args ...any) {
	if !al.debug {
		return
	}
	log.Printf("[DEBUG] "+format, args...)
}

// IsEnabled returns true if any logging is enabled
func (al *AppLogger) IsEnabled() bool {
	return al.logStore || al.logWS || al.debug
}

// ============================================================================
// Global helper functions
// ============================================================================

// LogWSMessage logs a WebSocket message using the global logger
func LogWSMessage(direction, playerID, message string) {
	if appLogger != nil {
		appLogger.LogWebSocket(direction, playerID, message)
	}
}

// LogStoreState logs the room-state table using the global logger
func LogStoreState(context string) {
	if appLogger != nil {
		appLogger.LogStore(context)
	}
}

// DebugLog logs a debug message using the global logger
func DebugLog(format string, args ...any) {
	if appLogger != nil {
		appLogger.Debug(format, args...)
	}
}

// CloseAppLogger closes the global application logger
func CloseAppLogger() {
	if appLogger != nil {
		appLogger.Close()
	}
}

// logError logs an error with its context and dumps the store state when
// store logging is on.
func logError(context string, err error) {
	log.Printf("ERROR in %s: %v", context, err)
	LogStoreState(context)
}
