package mailbox

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestDeliveryLog_AppendAndRead(t *testing.T) {
	log := NewDeliveryLog(filepath.Join(t.TempDir(), "nested", "deliveries.jsonl"))

	if recs, err := log.Read(); err != nil || recs != nil {
		t.Fatalf("Read(missing) = %v, %v", recs, err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = log.Append(DeliveryRecord{MessageID: "m-1", From: "a", To: "b", Outcome: OutcomeDelivered, At: now})
	_ = log.Append(DeliveryRecord{MessageID: "m-2", From: "a", To: "c", Outcome: OutcomeFailed, Error: "boom", At: now})
	_ = log.Append(DeliveryRecord{MessageID: "m-1", From: "a", To: "b", Outcome: OutcomeDelivered, At: now.Add(time.Minute)})

	all, err := log.Read()
	if err != nil || len(all) != 3 {
		t.Fatalf("Read() = %d records, %v", len(all), err)
	}
	if all[1].Error != "boom" || !all[0].At.Equal(now) {
		t.Errorf("records = %+v", all)
	}

	m1, _ := log.ForMessage("m-1")
	if len(m1) != 2 {
		t.Errorf("ForMessage(m-1) = %d records, want 2", len(m1))
	}
}

func TestDeliveryLog_ConcurrentAppends(t *testing.T) {
	log := NewDeliveryLog(filepath.Join(t.TempDir(), "deliveries.jsonl"))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = log.Append(DeliveryRecord{MessageID: fmt.Sprintf("m-%d", i), Outcome: OutcomeDelivered})
		}()
	}
	wg.Wait()

	all, err := log.Read()
	if err != nil || len(all) != 50 {
		t.Errorf("Read() = %d records, %v; want 50", len(all), err)
	}
}
