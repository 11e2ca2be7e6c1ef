package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaggerTagDeterministic(t *testing.T) {
	t.Parallel()

	tagger := New()
	got := tagger.Tag([]byte("hello world"))
	require.Equal(t, `"b94d27b9934d3e08a52e52d7da7dabfa"`, got)
	require.Equal(t, got, tagger.Tag([]byte("hello world")))
	require.NotEqual(t, got, tagger.Tag([]byte("hello world!")))
}

func TestMatch(t *testing.T) {
	t.Parallel()

	const tag = `"abc"`
	cases := map[string]bool{
		``:               false,
		`*`:              true,
		`"abc"`:          true,
		`W/"abc"`:        true,
		`"x", "abc"`:     true,
		` "x" ,W/"abc" `: true,
		`"abcd"`:         false,
		`abc`:            false,
		`"x", "y"`:       false,
	}
	for header, want := range cases {
		require.Equal(t, want, Match(header, tag), "header %q", header)
	}
}
