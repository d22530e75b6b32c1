package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinPaths(t *testing.T) {
	tests := []struct {
		name     string
		parts    []string
		expected string
	}{
		{
			name:     "simple join",
			parts:    []string{"https://ci.example.com", "job/demo/3"},
			expected: "https://ci.example.com/job/demo/3",
		},
		{
			name:     "trailing and leading slashes collapse",
			parts:    []string{"https://ci.example.com/", "/job/demo/3/"},
			expected: "https://ci.example.com/job/demo/3/",
		},
		{
			name:     "blank segment",
			parts:    []string{"https://ci.example.com", "", "console"},
			expected: "https://ci.example.com/console",
		},
		{
			name:     "query stays glued",
			parts:    []string{"https://ci.example.com/job", "?depth=1"},
			expected: "https://ci.example.com/job?depth=1",
		},
		{
			name:     "fragment stays glued",
			parts:    []string{"https://ci.example.com/job", "#log"},
			expected: "https://ci.example.com/job#log",
		},
		{
			name:     "port is preserved",
			parts:    []string{"http://localhost:8080", "job/demo"},
			expected: "http://localhost:8080/job/demo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, JoinPaths(tt.parts...))
		})
	}
}

func TestIsAbsoluteURL(t *testing.T) {
	assert.True(t, IsAbsoluteURL("https://ci.example.com/job/demo"))
	assert.True(t, IsAbsoluteURL("http://localhost:8080"))
	assert.False(t, IsAbsoluteURL("job/demo/3/"))
	assert.False(t, IsAbsoluteURL("/job/demo/3/"))
}
