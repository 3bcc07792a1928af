package idguard

import (
	"testing"

	"github.com/waterwoods/searchforge-sub005/internal/apierr"
)

func TestValidateJobID(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"job-123_ABC", true},
		{"", false},
		{"../../etc/passwd", false},
		{"has a space", false},
		{string(make([]byte, 201)), false},
	}
	for _, tc := range cases {
		err := ValidateJobID(tc.id)
		if tc.valid && err != nil {
			t.Errorf("ValidateJobID(%q) = %v, want nil", tc.id, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("ValidateJobID(%q) = nil, want error", tc.id)
		}
		if err != nil && apierr.KindOf(err) != apierr.InvalidInput {
			t.Errorf("ValidateJobID(%q) kind = %v, want InvalidInput", tc.id, apierr.KindOf(err))
		}
		if err != nil {
			e, ok := apierr.As(err)
			if !ok || e.HTTPStatus() != 400 {
				t.Errorf("ValidateJobID(%q) HTTPStatus = %v, want 400", tc.id, err)
			}
		}
	}
}

func TestValidateKind(t *testing.T) {
	allowed := []string{"fiqa-fast", "canary"}
	if err := ValidateKind("canary", allowed); err != nil {
		t.Errorf("ValidateKind(canary) = %v, want nil", err)
	}
	if err := ValidateKind("evil", allowed); err == nil {
		t.Error("ValidateKind(evil) = nil, want error")
	} else if e, ok := apierr.As(err); !ok || e.HTTPStatus() != 422 {
		t.Errorf("ValidateKind(evil) HTTPStatus = %v, want 422", err)
	}
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()
	if _, err := ValidatePath(root, "logs/run-1.jsonl"); err != nil {
		t.Errorf("ValidatePath good = %v, want nil", err)
	}
	if _, err := ValidatePath(root, "../../../etc/passwd"); err == nil {
		t.Error("ValidatePath traversal = nil, want error")
	}
	if _, err := ValidatePath(root, "a/../../b"); err == nil {
		t.Error("ValidatePath embedded traversal = nil, want error")
	}
}
