package editor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore map[string]string

func (m memStore) Load(_ context.Context, name string) (string, error) {
	text, ok := m[name]
	if !ok {
		return "", errors.New("not found")
	}
	return text, nil
}

func (m memStore) Save(_ context.Context, name, text string) error {
	m[name] = text
	return nil
}

func TestEdits(t *testing.T) {
	d := New("héllo")
	require.NoError(t, d.Insert(5, " world"))
	assert.Equal(t, "héllo world", d.Text())
	assert.Equal(t, 11, d.Len())

	require.NoError(t, d.Delete(1, 1))
	assert.Equal(t, "hllo world", d.Text())

	assert.ErrorIs(t, d.Insert(99, "x"), ErrOffset)
	assert.ErrorIs(t, d.Delete(9, 5), ErrOffset)
}

func TestOnChange(t *testing.T) {
	d := New("")
	var lens []int
	cancel := d.OnChange(func() { lens = append(lens, d.Len()) })

	require.NoError(t, d.Type(0, "abc"))
	assert.Equal(t, []int{1, 2, 3}, lens)

	d.SetText("z")
	assert.Equal(t, []int{1, 2, 3, 1}, lens)

	cancel()
	d.SetText("ignored")
	assert.Len(t, lens, 4)
}

func TestCommit(t *testing.T) {
	st := memStore{}
	d := New("draft")
	assert.False(t, d.Committed())

	require.NoError(t, d.Save(context.Background(), st, "notes.tex"))
	assert.True(t, d.Committed())
	assert.Equal(t, "notes.tex", d.Name())

	opened, err := Open(context.Background(), st, "notes.tex")
	require.NoError(t, err)
	assert.True(t, opened.Committed())
	assert.Equal(t, "draft", opened.Text())

	_, err = Open(context.Background(), st, "missing")
	assert.Error(t, err)
}
