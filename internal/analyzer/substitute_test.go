package analyzer

import (
	"testing"

	"github.com/fidde/pgworkload/pkg/models"
)

func mustParams(t *testing.T, params ...models.Param) models.ParameterMap {
	t.Helper()
	m, err := models.NewParameterMap(params)
	if err != nil {
		t.Fatalf("NewParameterMap failed: %v", err)
	}
	return m
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		params   []models.Param
		expected string
	}{
		{
			name:     "two parameters",
			raw:      "SELECT * FROM t WHERE a = $1 AND b = $2",
			params:   []models.Param{{Index: 1, Value: "5"}, {Index: 2, Value: "'x'"}},
			expected: "SELECT * FROM t WHERE a = 5 AND b = 'x'",
		},
		{
			name: "longer keys first",
			raw:  "SELECT $1, $12",
			params: []models.Param{
				{Index: 1, Value: "'one'"},
				{Index: 12, Value: "'twelve'"},
			},
			expected: "SELECT 'one', 'twelve'",
		},
		{
			name:     "substituted text not rescanned",
			raw:      "SELECT $1, $2",
			params:   []models.Param{{Index: 1, Value: "'$2'"}, {Index: 2, Value: "7"}},
			expected: "SELECT '$2', 7",
		},
		{
			name:     "missing key left in place",
			raw:      "SELECT $1, $3",
			params:   []models.Param{{Index: 1, Value: "1"}},
			expected: "SELECT 1, $3",
		},
		{
			name:     "repeated key",
			raw:      "SELECT $1 + $1",
			params:   []models.Param{{Index: 1, Value: "2"}},
			expected: "SELECT 2 + 2",
		},
		{
			name:     "no parameters",
			raw:      "SELECT $1",
			expected: "SELECT $1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Substitute(tt.raw, mustParams(t, tt.params...))
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
