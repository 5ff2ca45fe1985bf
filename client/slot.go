package client

import (
	"github.com/panyam/barter"
)

// Slot adapts one key of a CredentialStore to barter.CredentialStore, the form
// IdentityService persists and restores sessions through.
type Slot struct {
	Store CredentialStore
	Key   string
}

var _ barter.CredentialStore = (*Slot)(nil)

// NewSlot returns the slot for key in store
func NewSlot(store CredentialStore, key string) *Slot {
	return &Slot{Store: store, Key: key}
}

func (s *Slot) Load() (*barter.Identity, error) {
	cred, err := s.Store.GetCredential(s.Key)
	if err != nil || cred == nil {
		return nil, err
	}
	return cred.Identity(), nil
}

func (s *Slot) Save(id *barter.Identity) error {
	if id == nil {
		return s.Clear()
	}
	if err := s.Store.SetCredential(s.Key, CredentialFromIdentity(id)); err != nil {
		return err
	}
	return s.Store.Save()
}

func (s *Slot) Clear() error {
	if err := s.Store.RemoveCredential(s.Key); err != nil {
		return err
	}
	return s.Store.Save()
}
