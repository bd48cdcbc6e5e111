package io

// CloserFunc adapts a release function to io.Closer. A nil CloserFunc closes nothing.
type CloserFunc func() error

func (f CloserFunc) Close() error {
	if f == nil {
		return nil
	}
	return f()
}
