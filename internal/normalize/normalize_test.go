package normalize

import (
	"testing"

	"mediagrab/internal/failure"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"already absolute", "https://www.bilibili.com/video/BV1xx411c7mD", "https://www.bilibili.com/video/BV1xx411c7mD", false},
		{"http kept", "http://b23.tv/abc", "http://b23.tv/abc", false},
		{"missing scheme", "www.bilibili.com/video/BV1xx411c7mD", "https://www.bilibili.com/video/BV1xx411c7mD", false},
		{"surrounding whitespace", "  https://b23.tv/abc \n", "https://b23.tv/abc", false},
		{"control characters", "https://b23.tv/\x00a\x07bc", "https://b23.tv/abc", false},
		{"zero width", "https://b23.tv/\u200babc", "https://b23.tv/abc", false},
		{"douyin share text", "7.43 复制打开抖音，看看【作品】 https://v.douyin.com/iRNBho6u/ 复制此链接", "https://v.douyin.com/iRNBho6u/", false},
		{"bracketed link", "【标题】https://b23.tv/abc】", "https://b23.tv/abc", false},
		{"bare id", "BV1xx411c7mD", "https://BV1xx411c7mD", false},
		{"empty", "", "", true},
		{"only control", "\x00\x01", "", true},
		{"prose without link", "hello there world", "", true},
		{"ftp scheme", "ftp://example.com/file", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				if !failure.IsKind(err, failure.InvalidURL) {
					t.Errorf("error kind = %v, want InvalidUrl", failure.KindOf(err))
				}
				return
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	if !IsValid("b23.tv/abc") {
		t.Error("IsValid(b23.tv/abc) = false")
	}
	if IsValid("   ") {
		t.Error("IsValid(blank) = true")
	}
}
