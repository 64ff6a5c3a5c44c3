package eventlog

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// FollowOptions tunes Follow. Zero values pick sensible defaults.
type FollowOptions struct {
	// Poll is how often the file is checked for new data.
	Poll time.Duration
	// Idle is how long without a line before OnIdle fires.
	Idle time.Duration
	// OnLine receives every complete line appended after Follow starts.
	OnLine func(line string) error
	// OnIdle is called after Idle elapses with no new line.
	OnIdle func() error
}

// Follow tails path from its current end until ctx is cancelled or a callback
// returns an error. A file that does not exist yet is waited for. A truncated
// file is re-read from the start.
func Follow(ctx context.Context, path string, opts FollowOptions) error {
	if opts.Poll <= 0 {
		opts.Poll = 250 * time.Millisecond
	}
	if opts.Idle <= 0 {
		opts.Idle = 15 * time.Second
	}
	if opts.OnLine == nil {
		return errors.New("eventlog: OnLine callback is required")
	}

	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()

	var (
		file     *os.File
		reader   *bufio.Reader
		offset   int64
		partial  strings.Builder
		lastSeen = time.Now()
	)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	open := func(fromEnd bool) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		whence := io.SeekStart
		if fromEnd {
			whence = io.SeekEnd
		}
		pos, err := f.Seek(0, whence)
		if err != nil {
			f.Close()
			return err
		}
		file, reader, offset = f, bufio.NewReader(f), pos
		partial.Reset()
		return nil
	}

	if err := open(true); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	for {
		if file == nil {
			// Created after we started: everything in it is new.
			if err := open(false); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		if file != nil {
			if info, err := os.Stat(path); err == nil && info.Size() < offset {
				file.Close()
				file = nil
				if err := open(false); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
		}
		for file != nil {
			chunk, err := reader.ReadString('\n')
			offset += int64(len(chunk))
			if err != nil {
				partial.WriteString(chunk)
				if errors.Is(err, io.EOF) {
					break
				}
				return err
			}
			partial.WriteString(chunk)
			line := strings.TrimRight(partial.String(), "\r\n")
			partial.Reset()
			if line == "" {
				continue
			}
			if err := opts.OnLine(line); err != nil {
				return err
			}
			lastSeen = time.Now()
		}

		if opts.OnIdle != nil && time.Since(lastSeen) >= opts.Idle {
			if err := opts.OnIdle(); err != nil {
				return err
			}
			lastSeen = time.Now()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
