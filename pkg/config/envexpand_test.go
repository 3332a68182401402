package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_HOST", "db.internal")
	t.Setenv("RELAY_TEST_PORT", "5432")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "single variable",
			input: "host: ${RELAY_TEST_HOST}",
			want:  "host: db.internal",
		},
		{
			name:  "multiple variables in one line",
			input: "dsn: ${RELAY_TEST_HOST}:${RELAY_TEST_PORT}",
			want:  "dsn: db.internal:5432",
		},
		{
			name:  "missing variable expands to empty",
			input: "key: ${RELAY_TEST_DOES_NOT_EXIST}",
			want:  "key: ",
		},
		{
			name:  "bare dollar is preserved",
			input: "pattern: ^secret.*$",
			want:  "pattern: ^secret.*$",
		},
		{
			name:  "unbraced reference is preserved",
			input: "path: $HOME/bin",
			want:  "path: $HOME/bin",
		},
		{
			name:  "dollar brace without valid name is preserved",
			input: "awk: ${1}",
			want:  "awk: ${1}",
		},
		{
			name:  "no references",
			input: "plain: value",
			want:  "plain: value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(got))
		})
	}
}
