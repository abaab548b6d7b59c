package store

import (
	"reflect"
	"testing"
)

func TestModelColumnCodec(t *testing.T) {
	tests := []struct {
		name   string
		models []string
		joined string
	}{
		{"empty", []string{}, ""},
		{"one", []string{"deepseek"}, "deepseek"},
		{"many", []string{"deepseek", "kimi", "glm"}, "deepseek,kimi,glm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JoinModels(tt.models); got != tt.joined {
				t.Errorf("JoinModels = %q, want %q", got, tt.joined)
			}
			if got := SplitModels(tt.joined); !reflect.DeepEqual(got, tt.models) {
				t.Errorf("SplitModels = %v, want %v", got, tt.models)
			}
		})
	}

	// Tolerate sloppy column contents.
	if got := SplitModels(" deepseek , ,kimi "); !reflect.DeepEqual(got, []string{"deepseek", "kimi"}) {
		t.Errorf("SplitModels sloppy = %v", got)
	}
}

func TestNewConversation(t *testing.T) {
	conv := NewConversation("u1", "deepseek")
	if len(conv.ID) != 36 {
		t.Errorf("id = %q, want UUID", conv.ID)
	}
	if conv.Title != "" {
		t.Errorf("title = %q, want empty until auto-titled", conv.Title)
	}
	if len(conv.Models) != 1 || conv.Models[0] != "deepseek" {
		t.Errorf("models = %v", conv.Models)
	}

	bare := NewConversation("u1", "")
	if len(bare.Models) != 0 {
		t.Errorf("models = %v, want empty", bare.Models)
	}
}
