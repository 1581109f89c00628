package resolve

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Stack collects the release functions of one invocation.
type Stack struct {
	mu       sync.Mutex
	releases []ReleaseFunc
	closed   bool
}

func NewStack() *Stack {
	return &Stack{}
}

// Push registers a release. Releases pushed after Close run immediately.
func (s *Stack) Push(release ReleaseFunc) {
	if release == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.releases = append(s.releases, release)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = release(context.Background())
}

// Len returns the number of pending releases.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// Close runs the pending releases newest first. Every release runs even when
// an earlier one fails; the failures are aggregated. Subsequent calls are
// no-ops.
func (s *Stack) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
