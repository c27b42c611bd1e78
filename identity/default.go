package identity

import (
	"context"
	"sync"
)

var defaultCell struct {
	mu   sync.Mutex
	opts []Option
	sess *Session
}

// ConfigureDefault sets the options used to build the default session. It
// fails with ErrDefaultConfigured once Default has created the session.
func ConfigureDefault(opts ...Option) error {
	defaultCell.mu.Lock()
	defer defaultCell.mu.Unlock()
	if defaultCell.sess != nil {
		return ErrDefaultConfigured
	}
	defaultCell.opts = append([]Option(nil), opts...)
	return nil
}

// Default returns the process-wide session, creating it on first use.
func Default() (*Session, error) {
	defaultCell.mu.Lock()
	defer defaultCell.mu.Unlock()
	if defaultCell.sess == nil {
		s, err := New(context.Background(), defaultCell.opts...)
		if err != nil {
			return nil, err
		}
		defaultCell.sess = s
	}
	return defaultCell.sess, nil
}
