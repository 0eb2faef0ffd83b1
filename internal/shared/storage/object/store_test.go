package object

import "testing"

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "artifacts/p-1/a.txt", want: "artifacts/p-1/a.txt"},
		{key: "/artifacts//p-1/./a.txt", want: "artifacts/p-1/a.txt"},
		{key: "../etc/passwd", wantErr: true},
		{key: "a/../../b", wantErr: true},
		{key: "  ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.key)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("CleanKey(%q) expected error, got %q", tt.key, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("CleanKey(%q) = %q, %v; want %q", tt.key, got, err, tt.want)
		}
	}
}
