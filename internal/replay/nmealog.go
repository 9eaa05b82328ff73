// Package replay records the phone's NMEA stream to a text log and plays it
// back with the original timing, for bench runs without a phone.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log format, one record per line:
//
//	# comment
//	START
//	<ms since START>,<NMEA sentence>
//
// START resets the origin; a log may hold several sessions back to back.

type Record struct {
	At time.Duration
	// Sentence is empty for a START marker.
	Sentence string
}

func (r Record) isStart() bool { return r.Sentence == "" }

func ReadAll(r io.Reader) ([]Record, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 64*1024)

	var recs []Record
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		comma := strings.IndexByte(line, ',')
		if comma < 0 {
			return nil, fmt.Errorf("replay line %d: missing comma", lineNo)
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(line[:comma]), 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("replay line %d: invalid timestamp %q", lineNo, line[:comma])
		}
		sentence := strings.TrimSpace(line[comma+1:])
		if !strings.HasPrefix(sentence, "$") {
			return nil, fmt.Errorf("replay line %d: not an NMEA sentence", lineNo)
		}
		recs = append(recs, Record{At: time.Duration(ms) * time.Millisecond, Sentence: sentence})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}

// Recorder appends datagrams to a log. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	count  uint64
	closed bool
}

// CreateRecorder truncates path and writes the START marker.
func CreateRecorder(path string, now time.Time) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 16*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Recorder{f: f, w: bw, start: now}, nil
}

// WriteDatagram logs every sentence in b observed at now.
func (rc *Recorder) WriteDatagram(now time.Time, b []byte) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return errors.New("replay recorder is closed")
	}
	ms := now.Sub(rc.start).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") {
			continue
		}
		if _, err := fmt.Fprintf(rc.w, "%d,%s\n", ms, line); err != nil {
			return err
		}
		rc.count++
	}
	return nil
}

func (rc *Recorder) Count() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.count
}

func (rc *Recorder) Flush() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return nil
	}
	return rc.w.Flush()
}

func (rc *Recorder) Close() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return nil
	}
	rc.closed = true
	if err := rc.w.Flush(); err != nil {
		_ = rc.f.Close()
		return err
	}
	return rc.f.Close()
}

// waitFn blocks for d or until ctx is done. Tests replace it.
var waitFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play sends each sentence with its recorded spacing divided by speed.
// With loop set it starts over until ctx is done.
func Play(ctx context.Context, records []Record, speed float64, loop bool, send func(sentence string) error) error {
	if speed <= 0 {
		return fmt.Errorf("replay speed must be > 0")
	}
	if send == nil {
		return errors.New("send is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin, lastAt time.Duration
		haveLast := false

		for _, r := range records {
			if r.isStart() {
				origin = r.At
				haveLast = false
				continue
			}
			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				if wait := time.Duration(float64(at-lastAt) / speed); wait > 0 {
					if err := waitFn(ctx, wait); err != nil {
						return err
					}
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			if err := send(r.Sentence); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}
