package frontend

import (
	"testing"
)

func TestPollSenderBatchLimit(t *testing.T) {
	sender := NewPollSender()
	for i := 0; i < 10; i++ {
		sender.Enqueue([]byte{byte(i)})
	}

	var sent [][]byte
	write := func(data []byte) error {
		sent = append(sent, data)
		return nil
	}

	n, retry, err := sender.Poll(write)
	if err != nil {
		t.Fatal(err)
	}
	if n != MAX_CHUNK_BATCH_SEND || !retry {
		t.Fatalf("sent %d retry %v", n, retry)
	}

	n, retry, err = sender.Poll(write)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || retry {
		t.Fatalf("sent %d retry %v", n, retry)
	}

	for i, data := range sent {
		if data[0] != byte(i) {
			t.Fatalf("buffer %d out of order", i)
		}
	}
}

func TestPollSenderParksOnNoOutBuf(t *testing.T) {
	sender := NewPollSender()
	sender.Enqueue([]byte{1})
	sender.Enqueue([]byte{2})

	calls := 0
	failSecond := func(data []byte) error {
		calls++
		if data[0] == 2 && calls == 2 {
			return ErrNoOutBuf
		}
		return nil
	}

	n, retry, err := sender.Poll(failSecond)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !retry {
		t.Fatalf("sent %d retry %v", n, retry)
	}

	//	the parked buffer goes out first on the next poll
	var sent [][]byte
	n, retry, err = sender.Poll(func(data []byte) error {
		sent = append(sent, data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || retry {
		t.Fatalf("sent %d retry %v", n, retry)
	}
	if len(sent) != 1 || sent[0][0] != 2 {
		t.Fatalf("sent %v", sent)
	}
}

func TestPollSenderReset(t *testing.T) {
	sender := NewPollSender()
	sender.Enqueue([]byte{1})
	sender.lastMiss = []byte{9}

	sender.Reset()

	n, retry, err := sender.Poll(func([]byte) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || retry {
		t.Fatalf("sent %d retry %v", n, retry)
	}
}
