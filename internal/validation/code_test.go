package validation

import "testing"

func TestIsValidReferralCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{name: "valid code", code: "AB2345CD", want: true},
		{name: "valid digits only", code: "01234567", want: true},
		{name: "empty", code: "", want: false},
		{name: "too short", code: "AB234", want: false},
		{name: "too long", code: "AB2345CDE", want: false},
		{name: "lowercase", code: "ab2345cd", want: false},
		{name: "ambiguous letter O", code: "AB2345CO", want: false},
		{name: "ambiguous letter I", code: "IB2345CD", want: false},
		{name: "space inside", code: "AB 345CD", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidReferralCode(tt.code); got != tt.want {
				t.Fatalf("IsValidReferralCode(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}
