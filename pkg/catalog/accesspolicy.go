package catalog

import (
	"reflect"

	"go.uber.org/zap"

	"github.com/opensci/runcat/pkg/logger"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// Identity is the authenticated principal a Catalog request carries. The
// catalog never authenticates anyone itself; it trusts whatever
// identity the caller (typically an HTTP-facing layer, not built here)
// has already established.
type Identity struct {
	Username string
	Scopes   []string
}

// ADMIN is the sentinel Identity that bypasses every AccessPolicy
// check. Catalogs running in single-tenant/embedded mode never
// construct one; it exists for operator tooling (cmd/runcat) that must
// see every run regardless of policy.
var ADMIN = Identity{Username: "__admin__"}

// AccessPolicy filters and rewrites queries on behalf of an
// authenticated identity (spec.md §4.8).
type AccessPolicy interface {
	// CheckCompatibility reports whether this policy can be composed
	// with the given base query set at all (e.g. a policy that only
	// understands raw_mongo queries rejects a full_text query it cannot
	// safely restrict).
	CheckCompatibility(queries []Query) error
	// ModifyQueries returns the query set queries should be replaced
	// with to enforce identity's visibility, e.g. appending an owner or
	// proposal-id restriction.
	ModifyQueries(queries []Query, identity Identity) ([]Query, error)
}

// AuthenticatedAs narrows a Catalog to the subset of runs identity may
// see, applying policy.ModifyQueries to every subsequent Search. The
// ADMIN sentinel bypasses policy entirely.
func (c *Catalog) AuthenticatedAs(identity Identity) (*Catalog, error) {
	if reflect.DeepEqual(identity, ADMIN) {
		logger.Debug("access policy bypassed for admin identity")
		scoped := *c
		scoped.identity = ADMIN
		return &scoped, nil
	}
	if c.policy == nil {
		return c, nil
	}

	scoped := *c
	scoped.identity = identity
	return &scoped, nil
}

func (c *Catalog) enforcePolicy(queries []Query) ([]Query, error) {
	if c.policy == nil || reflect.DeepEqual(c.identity, ADMIN) {
		return queries, nil
	}
	if err := c.policy.CheckCompatibility(queries); err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindAccessDenied, "access policy rejected this query set")
	}
	modified, err := c.policy.ModifyQueries(queries, c.identity)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindAccessDenied, "access policy failed to modify query set")
	}
	logger.Debug("access policy applied", zap.String("user", c.identity.Username), zap.Int("query_count", len(modified)))
	return modified, nil
}
