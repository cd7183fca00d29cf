package security

import "testing"

func TestConstantTimeCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want bool
	}{
		{"equal", []byte("abcd"), []byte("abcd"), true},
		{"different", []byte("abcd"), []byte("abce"), false},
		{"length mismatch", []byte("abc"), []byte("abcd"), false},
		{"both empty", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConstantTimeCompare(tt.a, tt.b); got != tt.want {
				t.Errorf("ConstantTimeCompare() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestZero(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	Zero(buf)
	for i, b := range buf {
		if b != 0 {
			t.Errorf("buf[%d] = %d after Zero", i, b)
		}
	}
}
