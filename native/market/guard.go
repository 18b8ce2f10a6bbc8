package market

// OwnerView exposes the single privileged account fixed at deployment.
type OwnerView interface {
	Owner() ([20]byte, error)
}

// IsOwner is the authorization predicate gating administrative entry points.
// There is no role hierarchy: a caller either is the stored owner or it is not.
func IsOwner(owner, caller [20]byte) bool {
	return owner == caller
}

// requireOwner rejects non-owner callers with ErrNotOwner. Administrative
// paths call this before any existence check so the error precedence stays
// deterministic.
func requireOwner(view OwnerView, caller [20]byte) error {
	owner, err := view.Owner()
	if err != nil {
		return err
	}
	if !IsOwner(owner, caller) {
		return ErrNotOwner
	}
	return nil
}
