package domain

import (
	"dario.cat/mergo"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/exastris/exastris/internal/errors"
)

// record is implemented by every stored entity
type record[T any] interface {
	*T
	storeFields() (*string, *Provenance)
}

func (s *Server) storeFields() (*string, *Provenance)       { return &s.ID, &s.Provenance }
func (u *User) storeFields() (*string, *Provenance)         { return &u.ID, &u.Provenance }
func (s *Subscription) storeFields() (*string, *Provenance) { return &s.ID, &s.Provenance }

// Provenance never counts as a change, and nil and empty collections are equal.
var reconcileOptions = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreTypes(Provenance{}),
}

// Reconcile merges incoming over the canonical defaults and over the stored record.
// Zero fields of incoming are filled from defaults; the store id and creation time
// are carried over from existing. changed is false when the merge produced nothing
// the store does not already hold, so callers can skip the write.
func Reconcile[T any, P record[T]](existing *T, incoming T, defaults func() T) (merged T, changed bool, err error) {
	merged = incoming
	if err := mergo.Merge(&merged, defaults()); err != nil {
		return incoming, false, errors.Wrap(err, "failed to merge defaults")
	}
	if existing == nil {
		return merged, true, nil
	}

	id, prov := P(&merged).storeFields()
	oldID, oldProv := P(existing).storeFields()
	*id = *oldID
	if oldProv.Created != 0 {
		prov.Created = oldProv.Created
	}

	return merged, !cmp.Equal(*existing, merged, reconcileOptions...), nil
}

// Diff describes how merged differs from existing, for debug logging
func Diff[T any](existing, merged T) string {
	return cmp.Diff(existing, merged, reconcileOptions...)
}
