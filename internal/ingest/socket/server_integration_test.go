package socket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"rxjournal/internal/journal"
	"rxjournal/internal/storage"
)

func startTestServer(t *testing.T) (*Server, string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", MaxInflight: 64, GlobalQueueLimit: 2048, AuthToken: "secret"}, NewJournalEngine(store, nil))
	go func() { _ = s.Start(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, addr, cancel
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server not started")
	return nil, "", cancel
}

func emission(filter string, status journal.Status, payload []byte) *Emission {
	return &Emission{Filter: filter, Status: StatusToWire(status), Payload: payload}
}

func TestRecordBatchAndReplay(t *testing.T) {
	srv, addr, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()

	resp, err := DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{
		RequestId: "a1",
		AuthToken: "secret",
		Operation: int32(OperationRecordBatch),
		RecordBatch: &RecordBatchRequest{Emissions: []*Emission{
			emission("prices", journal.StatusSubscribe, nil),
			emission("prices", journal.StatusNext, []byte("101.5")),
			emission("prices", journal.StatusNext, []byte("102.0")),
			emission("prices", journal.StatusComplete, nil),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeOK) || resp.Record == nil || !resp.Record.Accepted {
		t.Fatalf("bad record response: %+v", resp)
	}

	replay, err := DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{
		RequestId: "a2",
		AuthToken: "secret",
		Operation: int32(OperationReplay),
		Replay:    &ReplayQuery{Filter: "prices"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if replay.ErrorCode != int32(ErrorCodeOK) || replay.Replay == nil {
		t.Fatalf("bad replay response: %+v", replay)
	}
	entries := replay.Replay.Entries
	if len(entries) != 4 {
		t.Fatalf("expected 4 replayed entries, got %d", len(entries))
	}
	if string(entries[1].Payload) != "101.5" || string(entries[2].Payload) != "102.0" {
		t.Fatalf("replay out of order: %+v", entries)
	}
	if entries[0].Sequence >= entries[3].Sequence {
		t.Fatalf("sequences must increase: %+v", entries)
	}
}

func TestRecordWithoutOpenStreamIsBadRequest(t *testing.T) {
	srv, addr, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()

	resp, err := DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{
		RequestId: "b1",
		AuthToken: "secret",
		Operation: int32(OperationRecord),
		Record:    &RecordRequest{Emission: emission("ghost", journal.StatusNext, []byte("1"))},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeBadRequest) {
		t.Fatalf("expected bad request, got %+v", resp)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	srv, addr, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()

	resp, err := DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{
		RequestId: "c1",
		AuthToken: "wrong",
		Operation: int32(OperationPing),
		Ping:      &PingRequest{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorCode != int32(ErrorCodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %+v", resp)
	}
}

func TestConcurrentProducersKeepPerFilterOrder(t *testing.T) {
	srv, addr, cancel := startTestServer(t)
	defer cancel()
	defer srv.Close()

	const producers = 8
	const perProducer = 20
	var wg sync.WaitGroup
	errCh := make(chan error, producers)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			filter := fmt.Sprintf("stream-%d", p)
			open := &SocketRequest{RequestId: filter, AuthToken: "secret", Operation: int32(OperationRecord), Record: &RecordRequest{Emission: emission(filter, journal.StatusSubscribe, nil)}}
			if resp, err := DialAndRequest(context.Background(), "tcp", addr, open); err != nil || resp.ErrorCode != int32(ErrorCodeOK) {
				errCh <- fmt.Errorf("subscribe %s: %v %+v", filter, err, resp)
				return
			}
			for j := 0; j < perProducer; j++ {
				req := &SocketRequest{RequestId: fmt.Sprintf("%s-%d", filter, j), AuthToken: "secret", Operation: int32(OperationRecord), Record: &RecordRequest{Emission: emission(filter, journal.StatusNext, []byte(fmt.Sprintf("%d", j)))}}
				resp, err := DialAndRequest(context.Background(), "tcp", addr, req)
				if err != nil {
					errCh <- err
					return
				}
				if resp.ErrorCode != int32(ErrorCodeOK) {
					errCh <- fmt.Errorf("code=%d msg=%s", resp.ErrorCode, resp.ErrorMessage)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	for i := 0; i < producers; i++ {
		filter := fmt.Sprintf("stream-%d", i)
		resp, err := DialAndRequest(context.Background(), "tcp", addr, &SocketRequest{RequestId: "verify", AuthToken: "secret", Operation: int32(OperationReplay), Replay: &ReplayQuery{Filter: filter}})
		if err != nil {
			t.Fatal(err)
		}
		entries := resp.Replay.Entries
		if len(entries) != perProducer+1 {
			t.Fatalf("filter %s: expected %d entries, got %d", filter, perProducer+1, len(entries))
		}
		for j := 1; j < len(entries); j++ {
			if want := fmt.Sprintf("%d", j-1); string(entries[j].Payload) != want {
				t.Fatalf("filter %s entry %d: expected %q, got %q", filter, j, want, entries[j].Payload)
			}
		}
	}
}
