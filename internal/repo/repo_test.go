package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCursorStart tests:
//
// 1. the cursor is an exclusive bound, so the page resumes after it
// 2. a cursor whose record was deleted between pages still resumes at
//    the right spot instead of restarting from the beginning
// 3. reverse listings treat the cursor as an exclusive upper bound
func TestCursorStart(t *testing.T) {
	forward := []string{
		"3jzfcijpj2z2a",
		"3jzfcijpj2z2c",
		"3jzfcijpj2z2e",
		"3jzfcijpj2z2g",
	}
	reversed := []string{
		"3jzfcijpj2z2g",
		"3jzfcijpj2z2e",
		"3jzfcijpj2z2c",
		"3jzfcijpj2z2a",
	}

	tests := []struct {
		name    string
		rkeys   []string
		cursor  string
		reverse bool
		want    int
	}{
		{name: "exact match resumes after", rkeys: forward, cursor: "3jzfcijpj2z2c", want: 2},
		{name: "deleted cursor resumes at successor", rkeys: forward, cursor: "3jzfcijpj2z2d", want: 2},
		{name: "before first", rkeys: forward, cursor: "3jzfcijpj2z29", want: 0},
		{name: "past last", rkeys: forward, cursor: "3jzfcijpj2z2h", want: 4},
		{name: "reverse exact match", rkeys: reversed, cursor: "3jzfcijpj2z2e", reverse: true, want: 2},
		{name: "reverse deleted cursor", rkeys: reversed, cursor: "3jzfcijpj2z2d", reverse: true, want: 2},
		{name: "reverse past last", rkeys: reversed, cursor: "3jzfcijpj2z29", reverse: true, want: 4},
		{name: "empty list", rkeys: nil, cursor: "3jzfcijpj2z2a", want: 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, cursorStart(test.rkeys, test.cursor, test.reverse))
		})
	}
}
