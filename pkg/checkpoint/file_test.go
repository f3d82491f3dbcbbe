package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestFileStore_Load(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		expectOK   bool
		expected   string
		expectFail bool
	}{
		{
			name:     "no continuation url",
			content:  `{"okta-org-host":"https://example.okta.com","okta-api-key":"00abc","timeout":300}`,
			expectOK: false,
		},
		{
			name:     "continuation url present",
			content:  `{"continuation-url":"https://example.okta.com/api/v1/logs?after=c1","timeout":300}`,
			expectOK: true,
			expected: "https://example.okta.com/api/v1/logs?after=c1",
		},
		{
			name:     "null continuation url",
			content:  `{"continuation-url":null}`,
			expectOK: false,
		},
		{
			name:     "empty continuation url",
			content:  `{"continuation-url":""}`,
			expectOK: false,
		},
		{
			name:       "continuation url not a string",
			content:    `{"continuation-url":42}`,
			expectFail: true,
		},
		{
			name:       "invalid json",
			content:    `{"continuation-url":`,
			expectFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewFileStore(writeConfig(t, tt.content))

			cursor, ok, err := store.Load(context.Background(), "")
			if tt.expectFail {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if ok != tt.expectOK || cursor != tt.expected {
				t.Errorf("Load() = (%q, %v), want (%q, %v)", cursor, ok, tt.expected, tt.expectOK)
			}
		})
	}
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))

	_, ok, err := store.Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Error("Expected no cursor for a missing file")
	}
}

func TestFileStore_SavePreservesConfig(t *testing.T) {
	path := writeConfig(t, `{"timeout":300,"okta-org-host":"https://example.okta.com","okta-api-key":"00abc","extra":{"b":1,"a":[1,2]}}`)
	store := NewFileStore(path)
	ctx := context.Background()

	cursor := "https://example.okta.com/api/v1/logs?after=c2&limit=1000"
	if err := store.Save(ctx, "", cursor); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	expected := `{
    "continuation-url": "https://example.okta.com/api/v1/logs?after=c2&limit=1000",
    "extra": {
        "b": 1,
        "a": [
            1,
            2
        ]
    },
    "okta-api-key": "00abc",
    "okta-org-host": "https://example.okta.com",
    "timeout": 300
}
`
	if string(data) != expected {
		t.Errorf("file content =\n%s\nwant\n%s", data, expected)
	}

	got, ok, err := store.Load(ctx, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok || got != cursor {
		t.Errorf("Load() = (%q, %v), want (%q, true)", got, ok, cursor)
	}
}

func TestFileStore_SaveKeepsPermissions(t *testing.T) {
	path := writeConfig(t, `{"timeout":300}`)
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}

	if err := NewFileStore(path).Save(context.Background(), "", "https://a/1"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestFileStore_SaveEmptyCursor(t *testing.T) {
	store := NewFileStore(writeConfig(t, `{}`))

	if err := store.Save(context.Background(), "", ""); !errors.Is(err, ErrEmptyCursor) {
		t.Errorf("Save() error = %v, want ErrEmptyCursor", err)
	}
}

func TestFileStore_FailedSaveLeavesPriorValue(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	original := `{"continuation-url":"https://a/1","timeout":300}`
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// A read-only directory makes creating the temp file fail.
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	defer os.Chmod(dir, 0o700)

	store := NewFileStore(path)
	if err := store.Save(context.Background(), "", "https://a/2"); err == nil {
		t.Fatal("Expected Save() to fail in a read-only directory")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != original {
		t.Errorf("file content = %s, want unchanged %s", data, original)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the config file", len(entries))
	}
}
