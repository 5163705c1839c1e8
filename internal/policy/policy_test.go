package policy

import "testing"

func TestFileConcurrentClamps(t *testing.T) {
	p := Policy{FileConcurrentDefault: 100}
	if got := p.FileConcurrent("jm"); got != maxFileConcurrent {
		t.Fatalf("got %d, want %d", got, maxFileConcurrent)
	}

	p2 := Policy{FileConcurrentDefault: 0}
	if got := p2.FileConcurrent("jm"); got != minFileConcurrent {
		t.Fatalf("got %d, want %d", got, minFileConcurrent)
	}
}

func TestPerSourceOverrideWins(t *testing.T) {
	p := Policy{
		FileRetriesDefault:  2,
		FileRetriesBySource: map[string]int{"jm": 5},
	}
	if got := p.FileRetries("jm"); got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
	if got := p.FileRetries("nhentai"); got != 2 {
		t.Fatalf("got %d, want 2 (default)", got)
	}
}

func TestStoreSetMaxConcurrentClamps(t *testing.T) {
	s := NewStore(Default())
	s.SetMaxConcurrent(999)
	if got := s.Get().MaxConcurrent; got != maxMaxConcurrent {
		t.Fatalf("got %d, want %d", got, maxMaxConcurrent)
	}
	s.SetMaxConcurrent(-5)
	if got := s.Get().MaxConcurrent; got != minMaxConcurrent {
		t.Fatalf("got %d, want %d", got, minMaxConcurrent)
	}
}
