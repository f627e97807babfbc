package creator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"commandcenter/internal/draft"
)

// Creator turns an approved draft into a domain entity and returns its id.
// Implementations may block and must honor ctx cancellation.
type Creator interface {
	Create(ctx context.Context, userID string, req draft.CreationRequest) (string, error)
}

// Func adapts a plain function to Creator.
type Func func(ctx context.Context, userID string, req draft.CreationRequest) (string, error)

func (f Func) Create(ctx context.Context, userID string, req draft.CreationRequest) (string, error) {
	return f(ctx, userID, req)
}

var ErrNoCreator = errors.New("no creator registered")

// Registry maps draft types to their creators.
type Registry struct {
	mu       sync.RWMutex
	creators map[draft.Type]Creator
}

func NewRegistry() *Registry {
	return &Registry{creators: map[draft.Type]Creator{}}
}

func (r *Registry) Register(t draft.Type, c Creator) error {
	if !t.Creatable() {
		return fmt.Errorf("draft type %s cannot be created", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[t] = c
	return nil
}

func (r *Registry) For(t draft.Type) (Creator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creators[t]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoCreator, t)
	}
	return c, nil
}

// Missing lists creatable types without a creator.
func (r *Registry) Missing() []draft.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []draft.Type
	for _, t := range draft.CreatableTypes {
		if _, ok := r.creators[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// Local assigns ids without calling a remote service. It is the fallback
// for types with no configured endpoint. Ids derive from the idempotency key
// when one is set, so repeating a request yields the same entity.
type Local struct{}

var localNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("commandcenter/entities"))

func (Local) Create(ctx context.Context, _ string, req draft.CreationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if req.IdempotencyKey != "" {
		id = uuid.NewSHA1(localNamespace, []byte(string(req.Type)+"/"+req.IdempotencyKey)).String()
	}
	return strings.ToLower(string(req.Type)) + "-" + id, nil
}
