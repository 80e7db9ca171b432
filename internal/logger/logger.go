package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// FileName is the log file created under the log directory.
const FileName = "dpledger.log"

// Init builds a text logger writing to both stdout and <logDir>/dpledger.log
// and installs it as the slog default. The returned closer releases the file.
func Init(logDir string, level slog.Leveler) (*slog.Logger, io.Closer, error) {
	return InitWith(os.Stdout, logDir, level)
}

// InitWith is Init with a custom console writer.
func InitWith(console io.Writer, logDir string, level slog.Leveler) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, err
	}

	multiWriter := io.MultiWriter(console, logFile)
	log := slog.New(slog.NewTextHandler(multiWriter, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log, logFile, nil
}
