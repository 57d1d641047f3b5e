package capture

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func records(t *testing.T, recs ...Record) string {
	t.Helper()
	var b strings.Builder
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String()
}

func TestReadLogFoldsRecords(t *testing.T) {
	in := records(t,
		Record{Kind: KindRequest, SessionID: "s", RequestID: "a", Time: t0, Method: "POST", URL: "https://api.openai.com/v1/chat/completions", Body: []byte(`{"messages":[]}`)},
		Record{Kind: KindChunk, SessionID: "s", RequestID: "a", Seq: 1, Time: t0.Add(2 * time.Millisecond), Data: []byte(`"b"}`)},
		Record{Kind: KindChunk, SessionID: "s", RequestID: "a", Seq: 0, Time: t0.Add(time.Millisecond), Data: []byte(`{"a":`)},
		Record{Kind: KindResponse, SessionID: "s", RequestID: "a", Time: t0.Add(3 * time.Millisecond), StatusCode: 200, StartedAt: t0, EndedAt: t0.Add(3 * time.Millisecond), DurationMS: 3},
		Record{Kind: KindSessionEnd, SessionID: "s", Time: t0.Add(time.Second), Status: "success"},
	)

	log, err := ReadLog(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if len(log.Envelopes) != 1 {
		t.Fatalf("envelopes = %d; want 1", len(log.Envelopes))
	}
	env := log.Envelopes[0]
	if string(env.Response.Body) != `{"a":"b"}` {
		t.Errorf("body = %q; want chunks in seq order", env.Response.Body)
	}
	if env.Response.DecodeError != "" || env.DecodeError != "" {
		t.Errorf("decode errors = %q/%q; want none", env.DecodeError, env.Response.DecodeError)
	}
	if len(log.Ends) != 1 || log.Ends[0].Status != "success" {
		t.Errorf("ends = %+v", log.Ends)
	}
	if len(log.Pending) != 0 {
		t.Errorf("pending = %v; want none", log.Pending)
	}
}

func TestReadLogMissingResponse(t *testing.T) {
	req := Record{Kind: KindRequest, SessionID: "s", RequestID: "a", Time: t0, Method: "POST", Body: []byte(`{}`)}
	chunk := Record{Kind: KindChunk, SessionID: "s", RequestID: "a", Time: t0.Add(time.Second), Data: []byte(`{"x"`)}

	t.Run("session still running", func(t *testing.T) {
		log, err := ReadLog(strings.NewReader(records(t, req, chunk)))
		if err != nil {
			t.Fatalf("ReadLog() error = %v", err)
		}
		env := log.Envelopes[0]
		if !env.Response.Incomplete {
			t.Error("response should be incomplete")
		}
		if env.Response.DurationMS != 1000 {
			t.Errorf("DurationMS = %d; want 1000", env.Response.DurationMS)
		}
		if !log.Pending["a"] {
			t.Error("call should be pending while the session is open")
		}
	})

	t.Run("session ended", func(t *testing.T) {
		end := Record{Kind: KindSessionEnd, SessionID: "s", Time: t0.Add(2 * time.Second), Status: "cancelled"}
		log, err := ReadLog(strings.NewReader(records(t, req, chunk, end)))
		if err != nil {
			t.Fatalf("ReadLog() error = %v", err)
		}
		if log.Pending["a"] {
			t.Error("call should not be pending after session_end")
		}
		if log.Envelopes[0].Response.DecodeError != DecodeTruncated {
			t.Errorf("DecodeError = %q; want %q", log.Envelopes[0].Response.DecodeError, DecodeTruncated)
		}
	})
}

func TestReadLogKeepsRealCompletion(t *testing.T) {
	in := records(t,
		Record{Kind: KindRequest, SessionID: "s", RequestID: "a", Time: t0, Method: "POST", Body: []byte(`{}`)},
		Record{Kind: KindResponse, SessionID: "s", RequestID: "a", Time: t0, StatusCode: 200},
		Record{Kind: KindResponse, SessionID: "s", RequestID: "a", Time: t0, Incomplete: true},
	)
	log, err := ReadLog(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if log.Envelopes[0].Response.Incomplete || log.Envelopes[0].Response.StatusCode != 200 {
		t.Errorf("response = %+v; want the complete one", log.Envelopes[0].Response)
	}
}

func TestReadLogOrphanedResponse(t *testing.T) {
	in := records(t,
		Record{Kind: KindChunk, SessionID: "s", RequestID: "z", Time: t0, Data: []byte(`{"ok":1}`)},
		Record{Kind: KindResponse, SessionID: "s", RequestID: "z", Time: t0, StatusCode: 200, URL: "https://api.openai.com/v1/responses"},
	)
	log, err := ReadLog(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	env := log.Envelopes[0]
	if env.HasRequest() {
		t.Error("orphan should have no request side")
	}
	if env.URL != "https://api.openai.com/v1/responses" {
		t.Errorf("URL = %q; want url from response record", env.URL)
	}
}

func TestReadLogMixedEnvelopesAndTornLine(t *testing.T) {
	env := Envelope{SessionID: "s", RequestID: "e1", Timestamp: t0, Method: "POST", Request: []byte(`{}`)}
	data, _ := json.Marshal(env)
	in := string(data) + "\n" + `{"kind":"request","session_id":"s","req`

	log, err := ReadLog(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if len(log.Envelopes) != 1 || log.Envelopes[0].RequestID != "e1" {
		t.Errorf("envelopes = %+v; want the folded envelope only", log.Envelopes)
	}
}

func TestReadDirJoinsFiles(t *testing.T) {
	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "s")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(sessionDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("1-a.jsonl", records(t, Record{Kind: KindRequest, SessionID: "s", RequestID: "a", Time: t0, Method: "POST", Body: []byte(`{}`)}))
	write("2-b.jsonl", records(t,
		Record{Kind: KindChunk, SessionID: "s", RequestID: "a", Time: t0, Data: []byte(`{}`)},
		Record{Kind: KindResponse, SessionID: "s", RequestID: "a", Time: t0, StatusCode: 201},
	))
	write("notes.txt", "ignored")

	files, err := LogFiles(dir)
	if err != nil {
		t.Fatalf("LogFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Errorf("LogFiles() = %v; want 2 jsonl files", files)
	}

	log, err := ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(log.Envelopes) != 1 || log.Envelopes[0].Response.StatusCode != 201 {
		t.Errorf("envelopes = %+v; want one joined call", log.Envelopes)
	}
}

func TestReadLogSplitsRetriedAttempts(t *testing.T) {
	url := "https://api.anthropic.com/v1/messages"
	in := records(t,
		Record{Kind: KindRequest, SessionID: "s", RequestID: "k1", Time: t0, Method: "POST", URL: url, Body: []byte(`{"n":1}`)},
		Record{Kind: KindChunk, SessionID: "s", RequestID: "k1", Seq: 0, Time: t0.Add(time.Millisecond), Data: []byte(`{"error":"rate"}`)},
		Record{Kind: KindResponse, SessionID: "s", RequestID: "k1", Time: t0.Add(2 * time.Millisecond), StatusCode: 429, StartedAt: t0, EndedAt: t0.Add(2 * time.Millisecond)},
		Record{Kind: KindRequest, SessionID: "s", RequestID: "k1", Time: t0.Add(time.Second), Method: "POST", URL: url, Body: []byte(`{"n":1}`)},
		Record{Kind: KindChunk, SessionID: "s", RequestID: "k1", Seq: 0, Time: t0.Add(time.Second + time.Millisecond), Data: []byte(`{"ok":true}`)},
		Record{Kind: KindResponse, SessionID: "s", RequestID: "k1", Time: t0.Add(time.Second + 2*time.Millisecond), StatusCode: 200, StartedAt: t0.Add(time.Second), EndedAt: t0.Add(time.Second + 2*time.Millisecond)},
	)

	log, err := ReadLog(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if len(log.Envelopes) != 2 {
		t.Fatalf("envelopes = %d; want one per attempt", len(log.Envelopes))
	}
	first, second := log.Envelopes[0], log.Envelopes[1]
	if first.Response.StatusCode != 429 || string(first.Response.Body) != `{"error":"rate"}` {
		t.Errorf("first attempt = %d %q", first.Response.StatusCode, first.Response.Body)
	}
	if second.Response.StatusCode != 200 || string(second.Response.Body) != `{"ok":true}` {
		t.Errorf("second attempt = %d %q", second.Response.StatusCode, second.Response.Body)
	}
	if !second.Timestamp.Equal(t0.Add(time.Second)) {
		t.Errorf("second timestamp = %v", second.Timestamp)
	}
	if first.RequestID != "k1" || second.RequestID != "k1" {
		t.Errorf("request ids = %q, %q; want k1 on both", first.RequestID, second.RequestID)
	}
}
