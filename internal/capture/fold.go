package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const maxLogLine = 64 * 1024 * 1024

// SessionEnd is a folded session_end record.
type SessionEnd struct {
	SessionID string
	Status    string
	Time      time.Time
}

// Log is the folded content of one or more capture files.
type Log struct {
	Envelopes []Envelope
	Ends      []SessionEnd
	// Pending lists request ids that have neither a terminal response nor
	// a session_end for their session. Their writer may still be running.
	Pending map[string]bool
}

type pending struct {
	env    *Envelope
	chunks []Record
}

// Folder accumulates records into envelopes. A request id reused by a
// retried send (Idempotency-Key) folds into one envelope per attempt.
type Folder struct {
	// latest is the current attempt per request id.
	latest map[string]*pending
	calls  []*pending
	envs   []Envelope
	ends   []SessionEnd
}

// NewFolder returns an empty Folder.
func NewFolder() *Folder {
	return &Folder{latest: make(map[string]*pending)}
}

// AddEnvelope adds an already folded envelope.
func (f *Folder) AddEnvelope(env Envelope) {
	f.envs = append(f.envs, env)
}

// Add folds one record.
func (f *Folder) Add(r Record) {
	if r.Kind == KindSessionEnd {
		f.ends = append(f.ends, SessionEnd{SessionID: r.SessionID, Status: r.Status, Time: r.Time})
		return
	}
	if r.RequestID == "" {
		return
	}
	p, ok := f.latest[r.RequestID]
	if !ok || (r.Kind == KindRequest && p.env.HasRequest()) {
		p = &pending{
			env: &Envelope{SessionID: r.SessionID, InternalSessionID: r.InternalSessionID, RequestID: r.RequestID, Timestamp: r.Time},
		}
		f.calls = append(f.calls, p)
		f.latest[r.RequestID] = p
	}
	switch r.Kind {
	case KindRequest:
		p.env.Timestamp = r.Time
		p.env.Method = r.Method
		p.env.URL = r.URL
		p.env.Headers = r.Headers
		p.env.Request = r.Body
		if p.env.InternalSessionID == "" {
			p.env.InternalSessionID = r.InternalSessionID
		}
	case KindChunk:
		p.chunks = append(p.chunks, r)
	case KindResponse:
		if p.env.Response != nil && !p.env.Response.Incomplete && r.Incomplete {
			// a late flush-on-exit marker never overrides a real completion
			return
		}
		p.env.Response = &RawResponse{
			StatusCode: r.StatusCode,
			Headers:    r.Headers,
			DurationMS: r.DurationMS,
			StartedAt:  r.StartedAt,
			EndedAt:    r.EndedAt,
			Incomplete: r.Incomplete,
			Error:      r.Error,
		}
		if p.env.URL == "" {
			p.env.URL = r.URL
		}
	}
}

// Log finishes folding. Chunks are ordered by seq and concatenated into
// the response body. Calls without a terminal response record are marked
// incomplete; those whose session has not ended are also listed in Pending.
func (f *Folder) Log() *Log {
	ended := make(map[string]bool, len(f.ends))
	for _, e := range f.ends {
		ended[e.SessionID] = true
	}

	log := &Log{Envelopes: append([]Envelope(nil), f.envs...), Ends: f.ends, Pending: map[string]bool{}}
	for _, p := range f.calls {
		env := p.env
		sort.SliceStable(p.chunks, func(i, j int) bool { return p.chunks[i].Seq < p.chunks[j].Seq })
		var body bytes.Buffer
		for _, c := range p.chunks {
			body.Write(c.Data)
		}
		if env.Response == nil {
			if !ended[env.SessionID] {
				log.Pending[env.RequestID] = true
			}
			last := env.Timestamp
			if n := len(p.chunks); n > 0 {
				last = p.chunks[n-1].Time
			}
			env.Response = &RawResponse{
				StartedAt:  env.Timestamp,
				EndedAt:    last,
				DurationMS: last.Sub(env.Timestamp).Milliseconds(),
				Incomplete: true,
			}
		}
		if env.Response != nil {
			env.Response.Body = body.Bytes()
			if len(env.Response.Body) == 0 {
				env.Response.Body = nil
			}
			env.Response.DecodeError = Classify(env.Response.Body, env.Response.Headers.Get("Content-Type"), env.Response.Incomplete)
		}
		if env.HasRequest() {
			env.DecodeError = Classify(env.Request, "", false)
		}
		log.Envelopes = append(log.Envelopes, *env)
	}
	return log
}

// ReadLog folds a capture stream. Lines with a kind are records; lines
// without one are envelopes.
func ReadLog(r io.Reader) (*Log, error) {
	f := NewFolder()
	if err := f.Read(r); err != nil {
		return nil, err
	}
	return f.Log(), nil
}

// Read adds every line of r.
func (f *Folder) Read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), maxLogLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var probe struct {
			Kind RecordKind `json:"kind"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			// a torn final line from a killed writer
			continue
		}
		if probe.Kind == "" {
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("line %d: decode envelope: %w", line, err)
			}
			f.AddEnvelope(env)
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("line %d: decode record: %w", line, err)
		}
		f.Add(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read capture log: %w", err)
	}
	return nil
}

// ReadFile folds a single capture file.
func ReadFile(path string) (*Log, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer file.Close()
	return ReadLog(file)
}

// ReadDir folds every *.jsonl file under dir as one log, so records of a
// request split across files are joined.
func ReadDir(dir string) (*Log, error) {
	files, err := LogFiles(dir)
	if err != nil {
		return nil, err
	}
	f := NewFolder()
	for _, path := range files {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open capture file: %w", err)
		}
		err = f.Read(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Log(), nil
}

// LogFiles lists capture files under dir in lexical order.
func LogFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".jsonl" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list capture files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
