package tokenizer

import "testing"

func TestFindBoundary(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"hello", -1},
		{"hello world", 5},
		{"hello!", 5},
		{"!hello", 0},
		{"tab\there", 3},
		{"", -1},
		{"caf\xc3\xa9", -1},
	}

	for _, tt := range tests {
		if got := FindBoundary([]byte(tt.input)); got != tt.expected {
			t.Errorf("FindBoundary(%q) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}
