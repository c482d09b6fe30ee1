package catalog

import (
	"testing"

	"github.com/opensci/runcat/pkg/docstore"
)

// scopedPolicy restricts every query set to runs owned by the
// authenticated identity by appending a raw_mongo proposal filter.
type scopedPolicy struct {
	rejectTypes map[string]bool
}

func (p *scopedPolicy) CheckCompatibility(queries []Query) error {
	for _, q := range queries {
		if p.rejectTypes[q.Type] {
			return errNotCompatible
		}
	}
	return nil
}

func (p *scopedPolicy) ModifyQueries(queries []Query, identity Identity) ([]Query, error) {
	return append(queries, Query{Type: "raw_mongo", Params: map[string]any{
		"query": map[string]any{"owner": identity.Username},
	}}), nil
}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

var errNotCompatible = &sentinelError{msg: "policy incompatible with query set"}

func TestAuthenticatedAsBypassesPolicyForAdmin(t *testing.T) {
	c := New(docstore.NewMemStore(), DefaultRunCacheConfig(), nil, &scopedPolicy{}, RunOptions{})

	scoped, err := c.AuthenticatedAs(ADMIN)
	if err != nil {
		t.Fatalf("AuthenticatedAs: %v", err)
	}
	if scoped.identity.Username != ADMIN.Username {
		t.Fatal("expected the returned Catalog to be bound to the ADMIN identity, bypassing policy scoping")
	}

	queries, err := scoped.enforcePolicy([]Query{{Type: "scan_id", Params: map[string]any{"scan_id": 1}}})
	if err != nil {
		t.Fatalf("enforcePolicy: %v", err)
	}
	if len(queries) != 1 {
		t.Fatalf("got %d queries, want the original set unmodified under ADMIN", len(queries))
	}
}

func TestAuthenticatedAsAppliesPolicyModifications(t *testing.T) {
	c := New(docstore.NewMemStore(), DefaultRunCacheConfig(), nil, &scopedPolicy{}, RunOptions{})

	scoped, err := c.AuthenticatedAs(Identity{Username: "alice"})
	if err != nil {
		t.Fatalf("AuthenticatedAs: %v", err)
	}

	queries, err := scoped.enforcePolicy([]Query{{Type: "scan_id", Params: map[string]any{"scan_id": 1}}})
	if err != nil {
		t.Fatalf("enforcePolicy: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("got %d queries, want the policy's appended raw_mongo restriction", len(queries))
	}
	if queries[1].Type != "raw_mongo" {
		t.Fatalf("got %q, want raw_mongo appended last", queries[1].Type)
	}
}

func TestEnforcePolicyRejectsIncompatibleQuerySet(t *testing.T) {
	c := New(docstore.NewMemStore(), DefaultRunCacheConfig(), nil, &scopedPolicy{rejectTypes: map[string]bool{"full_text": true}}, RunOptions{})

	scoped, err := c.AuthenticatedAs(Identity{Username: "alice"})
	if err != nil {
		t.Fatalf("AuthenticatedAs: %v", err)
	}

	if _, err := scoped.enforcePolicy([]Query{{Type: "full_text", Params: map[string]any{"text": "x"}}}); err == nil {
		t.Fatal("expected CheckCompatibility's rejection to surface as an access-denied error")
	}
}

func TestEnforcePolicyIsNoOpWithoutAPolicy(t *testing.T) {
	c := New(docstore.NewMemStore(), DefaultRunCacheConfig(), nil, nil, RunOptions{})

	queries := []Query{{Type: "scan_id", Params: map[string]any{"scan_id": 1}}}
	got, err := c.enforcePolicy(queries)
	if err != nil {
		t.Fatalf("enforcePolicy: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d queries, want the original set unmodified with no policy configured", len(got))
	}
}
