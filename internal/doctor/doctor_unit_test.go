package doctor

import (
	"testing"
)

func TestParseMajorMinor(t *testing.T) {
	tests := []struct {
		name      string
		ver       string
		wantMajor int
		wantMinor int
		wantErr   bool
	}{
		{"simple", "1.23", 1, 23, false},
		{"with patch", "1.23.4", 1, 23, false},
		{"two", "2.7.18", 2, 7, false},
		{"single number", "3", 0, 0, true},
		{"empty", "", 0, 0, true},
		{"bad major", "abc.11", 0, 0, true},
		{"bad minor", "3.xyz", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			major, minor, err := parseMajorMinor(tt.ver)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseMajorMinor(%q) = (%d,%d,nil); want error", tt.ver, major, minor)
				}

				return
			}

			if err != nil {
				t.Fatalf("parseMajorMinor(%q) error: %v", tt.ver, err)
			}

			if major != tt.wantMajor || minor != tt.wantMinor {
				t.Fatalf("parseMajorMinor(%q) = (%d,%d); want (%d,%d)",
					tt.ver, major, minor, tt.wantMajor, tt.wantMinor)
			}
		})
	}
}

func TestCheckORTVersion(t *testing.T) {
	tests := []struct {
		name    string
		ver     string
		api     uint32
		wantErr bool
	}{
		{"exact", "1.23.0", 23, false},
		{"newer", "1.24.1", 23, false},
		{"unknown", "unknown", 23, false},
		{"empty", "", 23, false},
		{"too old", "1.22.0", 23, true},
		{"wrong major", "2.23.0", 23, true},
		{"garbage", "abc", 23, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkORTVersion(tt.ver, tt.api)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkORTVersion(%q, %d) = %v; wantErr=%v", tt.ver, tt.api, err, tt.wantErr)
			}
		})
	}
}
