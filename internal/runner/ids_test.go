package runner

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.jetify.com/typeid"
)

func TestNewRunIDIsTypeID(t *testing.T) {
	id := newRunID()
	parsed, err := typeid.FromString(id)
	require.NoError(t, err, "id %q", id)
	assert.Equal(t, "run", parsed.Prefix())
	assert.NotEqual(t, id, newRunID())
}

func TestNewRunIDFallsBackWhenGeneratorFails(t *testing.T) {
	original := generateTypeID
	t.Cleanup(func() { generateTypeID = original })

	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	assert.True(t, strings.HasPrefix(newRunID(), "run-"))
}

func TestClassName(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"simple", "public class Main { }", "Main"},
		{"extra whitespace", "public   class\n\tSumDemo {", "SumDemo"},
		{"first match wins", "public class A {}\npublic class B {}", "A"},
		{"no public class", "class Hidden { }", DefaultClassName},
		{"empty", "", DefaultClassName},
		{"matches inside comment", "// public class Commented\nclass X {}", "Commented"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassName(tt.source))
		})
	}
}
