package barter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityServicePublishesAuthState(t *testing.T) {
	ids := NewIdentityService(newFakeProvider())
	defer ids.Close()
	ctx := context.Background()

	rec := &recorder[*Identity]{}
	ids.OnAuthStateChanged(rec.add)

	id, err := ids.SignUp(ctx, " nia@example.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "nia@example.com", id.Email)
	assert.Equal(t, id.UID, ids.CurrentUser().UID)

	require.NoError(t, ids.SignOut(ctx))
	assert.Nil(t, ids.CurrentUser())

	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, time.Second, 5*time.Millisecond)
	got := rec.get()
	assert.Nil(t, got[0], "signed out on attach")
	assert.Equal(t, id.UID, got[1].UID)
	assert.Nil(t, got[2])
}

func TestOnAuthStateChangedDeliversCurrentStateOnAttach(t *testing.T) {
	ids := NewIdentityService(newFakeProvider())
	defer ids.Close()

	// no Restore and no sign-in yet
	signedOut := &recorder[*Identity]{}
	ids.OnAuthStateChanged(signedOut.add)
	require.Eventually(t, func() bool { return len(signedOut.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, signedOut.get()[0])

	id, err := ids.SignUp(context.Background(), "att@example.com", "secret1")
	require.NoError(t, err)
	signedIn := &recorder[*Identity]{}
	ids.OnAuthStateChanged(signedIn.add)
	require.Eventually(t, func() bool { return len(signedIn.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, id.UID, signedIn.get()[0].UID)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, signedIn.get(), 1, "the current state is delivered once")
}

func TestIdentityServiceCopiesIdentities(t *testing.T) {
	ids := NewIdentityService(newFakeProvider())
	defer ids.Close()
	id, err := ids.SignUp(context.Background(), "cp@example.com", "secret1")
	require.NoError(t, err)
	id.Email = "mutated"
	assert.Equal(t, "cp@example.com", ids.CurrentUser().Email)
}

func TestIdentityUpdateProfileSignedOut(t *testing.T) {
	ids := NewIdentityService(newFakeProvider())
	defer ids.Close()
	err := ids.UpdateProfile(context.Background(), "Name", "")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Equal(t, "No user logged in", err.Error())
	assert.ErrorIs(t, ids.Refresh(context.Background()), ErrNoActiveSession)
}

func TestIdentityUpdateProfileAndRefresh(t *testing.T) {
	creds := &memCredentials{}
	ids := NewIdentityService(newFakeProvider(), WithCredentialStore(creds))
	defer ids.Close()
	ctx := context.Background()
	_, err := ids.SignUp(ctx, "ux@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, ids.UpdateProfile(ctx, "Ux", "https://img"))
	cur := ids.CurrentUser()
	assert.Equal(t, "Ux", cur.DisplayName)
	assert.Equal(t, "https://img", cur.PhotoURL)
	saved, _ := creds.Load()
	assert.Equal(t, "Ux", saved.DisplayName)

	require.NoError(t, ids.Refresh(ctx))
	assert.Equal(t, "Ux", ids.CurrentUser().DisplayName)
	assert.Equal(t, "refresh-"+cur.UID, ids.CurrentUser().RefreshToken)
}

func TestIdentityObserverRecordsOps(t *testing.T) {
	obs := &countingObserver{}
	ids := NewIdentityService(newFakeProvider(), WithIdentityObserver(obs))
	defer ids.Close()
	ctx := context.Background()
	ids.SignUp(ctx, "ob@example.com", "secret1")
	ids.SignIn(ctx, "ob@example.com", "wrong-password")
	ids.SendPasswordReset(ctx, "ob@example.com")
	ids.SignOut(ctx)
	assert.Equal(t, []string{"auth:signup:false", "auth:signin:true", "auth:reset:false", "auth:signout:false"}, obs.ops)
}

func TestWatchCredentialsSeesOtherProcesses(t *testing.T) {
	provider := newFakeProvider()
	creds := &memCredentials{}
	ids := NewIdentityService(provider, WithCredentialStore(creds))
	defer ids.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := ids.SignUp(ctx, "w1@example.com", "secret1")
	require.NoError(t, err)
	go ids.WatchCredentials(ctx, 5*time.Millisecond)

	// another process signs out
	require.NoError(t, creds.Clear())
	require.Eventually(t, func() bool { return ids.CurrentUser() == nil }, time.Second, 5*time.Millisecond)

	// and another signs in as someone else
	other, err := provider.SignUp(ctx, "w2@example.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, creds.Save(other))
	require.Eventually(t, func() bool {
		cur := ids.CurrentUser()
		return cur != nil && cur.UID == other.UID
	}, time.Second, 5*time.Millisecond)
}

func TestSignInWithCredentialDefaultsProvider(t *testing.T) {
	ids := NewIdentityService(newFakeProvider())
	defer ids.Close()
	id, err := ids.SignInWithCredential(context.Background(), IdPCredential{IDToken: "google:g@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, id.ProviderID)

	_, err = ids.SignInWithCredential(context.Background(), IdPCredential{IDToken: "bogus"})
	assert.Equal(t, KindAuth, KindOf(err))
}

func TestMergeIdentity(t *testing.T) {
	prev := &Identity{UID: "u", Email: "e", DisplayName: "D", RefreshToken: "r1", ProviderID: ProviderGoogle}
	fresh := &Identity{IDToken: "t2", RefreshToken: "r2"}
	got := mergeIdentity(fresh, prev)
	assert.Equal(t, "u", got.UID)
	assert.Equal(t, "D", got.DisplayName)
	assert.Equal(t, "r2", got.RefreshToken)
	assert.Equal(t, ProviderGoogle, got.ProviderID)
	assert.Equal(t, "t2", got.IDToken)
}

func TestWrapAuthError(t *testing.T) {
	plain := errors.New("denied")
	err := wrapAuthError("google", plain)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.ErrorIs(t, err, plain)

	typed := NewError(KindTransport, "", "", "offline")
	assert.Equal(t, KindTransport, KindOf(wrapAuthError("google", typed)))
}
