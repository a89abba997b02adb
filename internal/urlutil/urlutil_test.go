package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"bare host gets http scheme", "coordinator.local", "http://coordinator.local"},
		{"trailing slash removed", "https://signage.example/", "https://signage.example"},
		{"port preserved", "signage.example:8080", "http://signage.example:8080"},
		{"https unchanged", "https://signage.example", "https://signage.example"},
		{"whitespace trimmed", "  http://signage.example  ", "http://signage.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeBaseURL(tt.input))
		})
	}
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "http://h/api/devices", JoinPath("http://h", "/api/devices"))
	assert.Equal(t, "http://h/api/devices", JoinPath("http://h/", "api/devices"))
	assert.Equal(t, "/api/devices", JoinPath("", "/api/devices"))
}

func TestIsRemoteURL(t *testing.T) {
	assert.True(t, IsRemoteURL("http://example.com/a.mp4"))
	assert.True(t, IsRemoteURL("https://example.com/a.mp4"))
	assert.True(t, IsRemoteURL("//example.com/a.mp4"))
	assert.False(t, IsRemoteURL("file:///media/a.mp4"))
	assert.False(t, IsRemoteURL("/media/a.mp4"))
	assert.False(t, IsRemoteURL(""))
}

func TestFilePathFromURL(t *testing.T) {
	path, err := FilePathFromURL("file:///media/preloaded/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, "/media/preloaded/a.mp4", path)

	_, err = FilePathFromURL("http://example.com/a.mp4")
	require.Error(t, err)

	_, err = FilePathFromURL("file://")
	require.Error(t, err)
}

func TestGetScheme(t *testing.T) {
	assert.Equal(t, "https", GetScheme("https://example.com"))
	assert.Equal(t, "file", GetScheme("file:///media/a.mp4"))
	assert.Equal(t, "", GetScheme("://bad"))
}
