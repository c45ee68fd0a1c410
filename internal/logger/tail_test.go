package logger

import (
	"fmt"
	"sync"
	"testing"
)

func TestNewTail_DefaultSize(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{-1, 200},
		{0, 200},
		{5, 5},
	}
	for _, tt := range tests {
		if got := NewTail(tt.size).size; got != tt.want {
			t.Errorf("NewTail(%d).size = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestTail_Recent(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		added int
		n     int
		want  []string
	}{
		{name: "empty", size: 3, added: 0, n: 0, want: []string{}},
		{name: "partial fill all", size: 5, added: 3, n: 0, want: []string{"0", "1", "2"}},
		{name: "partial fill last two", size: 5, added: 3, n: 2, want: []string{"1", "2"}},
		{name: "n larger than count", size: 5, added: 2, n: 10, want: []string{"0", "1"}},
		{name: "wrapped all", size: 3, added: 5, n: 0, want: []string{"2", "3", "4"}},
		{name: "wrapped across boundary", size: 4, added: 6, n: 3, want: []string{"3", "4", "5"}},
		{name: "wrapped within head", size: 4, added: 7, n: 2, want: []string{"5", "6"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tail := NewTail(tt.size)
			for i := 0; i < tt.added; i++ {
				tail.Add(fmt.Sprint(i))
			}
			got := tail.Recent(tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("Recent(%d) returned %d lines, want %d", tt.n, len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Text != tt.want[i] {
					t.Errorf("Recent(%d)[%d] = %q, want %q", tt.n, i, got[i].Text, tt.want[i])
				}
			}
		})
	}
}

func TestTail_ConcurrentAdd(t *testing.T) {
	tail := NewTail(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tail.Add("x")
				_ = tail.Recent(5)
			}
		}()
	}
	wg.Wait()

	if tail.Len() != 50 {
		t.Errorf("Len() = %d, want 50", tail.Len())
	}
}
