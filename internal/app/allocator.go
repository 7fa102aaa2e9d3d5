package app

import (
	"fmt"

	"github.com/telespan/sipmuc/internal/domain"
)

// allocateAttempts bounds the retry loop; with the random suffix in
// domain.NewCallResource a second attempt is already unlikely.
const allocateAttempts = 5

// Allocator produces call resources that are free in the registry at the
// time of allocation. The registry's Allocate stays the authority on
// duplicates; this only makes rejection improbable.
type Allocator struct {
	registry *Registry
}

func NewAllocator(registry *Registry) *Allocator {
	return &Allocator{registry: registry}
}

func (a *Allocator) Allocate() (domain.CallResource, error) {
	for i := 0; i < allocateAttempts; i++ {
		r := domain.NewCallResource()
		if !a.registry.Has(r) {
			return r, nil
		}
	}
	return "", fmt.Errorf("allocate call resource: %w", ErrDuplicateResource)
}
