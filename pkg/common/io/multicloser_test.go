package io

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiCloser(t *testing.T) {
	var order []string
	errBroker := errors.New("broker connection already closed")

	closer := NewMultiCloser()
	closer.AddCloser(CloserFunc(func() error {
		order = append(order, "database")
		return nil
	}))
	closer.AddCloser(CloserFunc(func() error {
		order = append(order, "broker")
		return errBroker
	}))

	assert.ErrorIs(t, closer.Close(), errBroker)
	assert.Equal(t, []string{"broker", "database"}, order)
	assert.NoError(t, closer.Close())
}

func TestNilCloserFunc(t *testing.T) {
	var release CloserFunc

	closer := NewMultiCloser()
	closer.AddCloser(release)
	assert.NoError(t, closer.Close())
}
