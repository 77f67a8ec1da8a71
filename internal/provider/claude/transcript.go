package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/transcript"
)

const maxLineSize = 16 * 1024 * 1024

// DefaultProjectsDir is where the CLI keeps one directory of session
// transcripts per working directory.
func DefaultProjectsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// TranscriptPath finds <projects>/*/<id>.jsonl. The working directory the
// session ran in is not needed.
func (a *Adapter) TranscriptPath(ctx context.Context, taskID string) (string, error) {
	if a.projectsDir == "" {
		return "", nil
	}
	if err := transcript.ValidateTaskID(taskID); err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(a.projectsDir, "*", taskID+".jsonl"))
	if err != nil {
		return "", err
	}
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s", transcript.ErrSymlinkNotAllowed, path)
		}
		if info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", nil
}

func (a *Adapter) readTranscript(ctx context.Context, taskID string) ([]domain.Message, error) {
	path, err := a.TranscriptPath(ctx, taskID)
	if err != nil || path == "" {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var msgs []domain.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if m, ok := NormalizeLine(scanner.Bytes(), len(msgs)); ok {
			msgs = append(msgs, m)
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("transcript read stopped early", "task", taskID, "err", err)
	}
	return msgs, nil
}

func (a *Adapter) GetMessages(ctx context.Context, taskID string, opts provider.PageOptions) (provider.Page, error) {
	msgs, err := a.readTranscript(ctx, taskID)
	if err != nil {
		return provider.Page{}, err
	}
	return provider.Paginate(msgs, opts), nil
}

func (a *Adapter) NormalizeLine(line []byte, indexHint int) (domain.Message, bool) {
	return NormalizeLine(line, indexHint)
}
