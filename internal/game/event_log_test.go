package game

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func decodeEvents(t *testing.T, data []byte) []Event {
	t.Helper()
	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestEventLogWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	el := NewEventLog()
	if err := el.Start(path); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if !el.EmitSimple(EventTypeEntitySpawn, uint64(i), "", EntityPayload{Name: "wanderer", X: float64(i)}) {
			t.Fatalf("emit %d dropped", i)
		}
	}
	el.Stop()
	el.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	events := decodeEvents(t, data)
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) || ev.Type != EventTypeEntitySpawn || ev.TickNum != uint64(i) {
			t.Errorf("event %d = %+v", i, ev)
		}
	}
	if !bytes.Contains(data, []byte(`"type":"entity_spawn"`)) {
		t.Errorf("event type not written by name: %s", data)
	}
	if st := el.Stats(); st.Written != 5 || st.Running {
		t.Errorf("stats = %+v", st)
	}
}

func TestEventLogZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl.zst")
	el := NewEventLog()
	if err := el.Start(path); err != nil {
		t.Fatal(err)
	}
	el.EmitSimple(EventTypePlayerJoin, 1, "conn-1", PlayerJoinPayload{Connection: 1, Name: "alice"})
	el.Stop()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		t.Fatal(err)
	}
	events := decodeEvents(t, buf.Bytes())
	if len(events) != 1 || events[0].Type != EventTypePlayerJoin || events[0].Source != "conn-1" {
		t.Fatalf("events = %+v", events)
	}
	var p PlayerJoinPayload
	if err := json.Unmarshal(events[0].Payload, &p); err != nil || p.Name != "alice" {
		t.Errorf("payload = %+v, %v", p, err)
	}
}

func TestEventLogRateLimitsSource(t *testing.T) {
	el := NewEventLog()
	if err := el.Start(""); err != nil {
		t.Fatal(err)
	}
	defer el.Stop()

	accepted := 0
	for i := 0; i < 50; i++ {
		if el.EmitSimple(EventTypeInputLoss, 0, "conn-9", nil) {
			accepted++
		}
	}
	// The per-source burst is a tenth of the per-second rate.
	if accepted == 0 || accepted > MaxEventsPerSource/10+1 {
		t.Errorf("accepted %d of 50", accepted)
	}
	if el.Stats().Dropped == 0 {
		t.Error("no drops counted")
	}
}

func TestEventLogNotRunning(t *testing.T) {
	el := NewEventLog()
	if el.EmitSimple(EventTypeTick, 0, "", nil) {
		t.Error("emit accepted before Start")
	}
}
